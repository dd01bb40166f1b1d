//go:build !unix

package actions

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

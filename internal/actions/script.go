package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultScriptTimeout   = 30 * time.Second
	DefaultScriptOutputCap = 50 * 1024
	DefaultShell           = "sh"
)

// ScriptConfig bounds run-script actions.
type ScriptConfig struct {
	Shell     string
	Timeout   time.Duration
	OutputCap int
}

func (c ScriptConfig) withDefaults() ScriptConfig {
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultScriptTimeout
	}
	if c.OutputCap <= 0 {
		c.OutputCap = DefaultScriptOutputCap
	}
	return c
}

// ScriptResult is what a finished script reports back.
type ScriptResult struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Duration        time.Duration
}

func (r ScriptResult) payload() map[string]any {
	return map[string]any{
		"exitCode":        r.ExitCode,
		"stdout":          r.Stdout,
		"stderr":          r.Stderr,
		"stdoutTruncated": r.StdoutTruncated,
		"stderrTruncated": r.StderrTruncated,
		"timedOut":        r.TimedOut,
		"durationMs":      r.Duration.Milliseconds(),
	}
}

// cappedBuffer keeps the first limit bytes and silently discards the rest,
// so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// RunScript runs script through the configured shell. On timeout the whole
// process group is killed.
func RunScript(ctx context.Context, cfg ScriptConfig, script, cwd string, timeout time.Duration) (ScriptResult, error) {
	cfg = cfg.withDefaults()
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Shell, "-c", script)
	cmd.Dir = cwd
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ScriptResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ScriptResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ScriptResult{}, fmt.Errorf("start script: %w", err)
	}

	outBuf := &cappedBuffer{limit: cfg.OutputCap}
	errBuf := &cappedBuffer{limit: cfg.OutputCap}
	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(outBuf, stdout); return err })
	g.Go(func() error { _, err := io.Copy(errBuf, stderr); return err })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	res := ScriptResult{
		ExitCode:        cmd.ProcessState.ExitCode(),
		Stdout:          outBuf.buf.String(),
		Stderr:          errBuf.buf.String(),
		StdoutTruncated: outBuf.truncated,
		StderrTruncated: errBuf.truncated,
		Duration:        time.Since(start),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, fmt.Errorf("script timed out after %s", timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("script exited with status %d", res.ExitCode)
		}
		return res, fmt.Errorf("wait script: %w", waitErr)
	}
	if drainErr != nil {
		return res, fmt.Errorf("read script output: %w", drainErr)
	}
	return res, nil
}

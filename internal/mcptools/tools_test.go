package mcptools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/db"
	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/migrate"
	"forge/internal/redact"
)

var testImpl = &mcp.Implementation{Name: "forge-test", Version: "0.1.0"}

func session(t *testing.T) (*mcp.ClientSession, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Resolver.Getenv = func(string) string { return "" }

	srv := mcp.NewServer(testImpl, nil)
	Register(srv, eng, "u1")
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	cs, err := mcp.NewClient(testImpl, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs, eng
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text, res.IsError
}

func TestToolsListed(t *testing.T) {
	cs, _ := session(t)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_forge_rules", "create_forge_rule", "update_forge_rule",
		"delete_forge_rule", "run_forge_rule", "list_forge_runs",
	}, names)
}

func TestRuleLifecycle(t *testing.T) {
	cs, eng := session(t)

	text, isErr := call(t, cs, "create_forge_rule", map[string]any{
		"name":         "ping",
		"trigger_type": "manual",
		"action_type":  "send-notification",
		"action_config": map[string]any{
			"channel": "telegram", "message": "hi", "botToken": "123:secret", "chatId": "555",
		},
	})
	require.False(t, isErr, text)
	var rule domain.ForgeRule
	require.NoError(t, json.Unmarshal([]byte(text), &rule))
	assert.Equal(t, redact.Placeholder, rule.ActionConfig["botToken"])
	assert.True(t, rule.Enabled)

	stored, err := eng.GetRule(context.Background(), "u1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "123:secret", stored.ActionConfig["botToken"])

	text, isErr = call(t, cs, "update_forge_rule", map[string]any{
		"id": rule.ID, "name": "renamed", "enabled": false,
	})
	require.False(t, isErr, text)
	require.NoError(t, json.Unmarshal([]byte(text), &rule))
	assert.Equal(t, "renamed", rule.Name)
	assert.False(t, rule.Enabled)

	text, isErr = call(t, cs, "list_forge_rules", map[string]any{})
	require.False(t, isErr, text)
	var list struct {
		Rules []domain.ForgeRule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	require.Len(t, list.Rules, 1)
	assert.Equal(t, redact.Placeholder, list.Rules[0].ActionConfig["botToken"])

	text, isErr = call(t, cs, "delete_forge_rule", map[string]any{"id": rule.ID})
	require.False(t, isErr, text)
	text, isErr = call(t, cs, "delete_forge_rule", map[string]any{"id": rule.ID})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}

func TestValidationIsToolError(t *testing.T) {
	cs, _ := session(t)
	text, isErr := call(t, cs, "create_forge_rule", map[string]any{
		"name":           "bad",
		"trigger_type":   "cron",
		"trigger_config": map[string]any{"cron": "* * *"},
		"action_type":    "send-notification",
		"action_config":  map[string]any{"channel": "console", "message": "x"},
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "5 fields")
}

func TestRunRuleAndListRuns(t *testing.T) {
	cs, _ := session(t)
	text, isErr := call(t, cs, "create_forge_rule", map[string]any{
		"name":          "now",
		"trigger_type":  "manual",
		"action_type":   "send-notification",
		"action_config": map[string]any{"channel": "console", "message": "ping"},
	})
	require.False(t, isErr, text)
	var rule domain.ForgeRule
	require.NoError(t, json.Unmarshal([]byte(text), &rule))

	args := map[string]any{"id": rule.ID, "dedupe_key": "k1"}
	text, isErr = call(t, cs, "run_forge_rule", args)
	require.False(t, isErr, text)
	var res engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	require.NotNil(t, res.Run)
	assert.Equal(t, domain.RunSuccess, res.Run.Status)

	text, isErr = call(t, cs, "run_forge_rule", args)
	require.False(t, isErr, text)
	res = engine.RunResult{}
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Run)

	text, isErr = call(t, cs, "list_forge_runs", map[string]any{"rule_id": rule.ID})
	require.False(t, isErr, text)
	var runs struct {
		Runs []domain.ForgeRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "k1", runs.Runs[0].DedupeKey)
}

// Package mcptools exposes rule management to agents as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/redact"
	"forge/internal/repo"
)

// Register adds the forge tools to srv. Every call acts as userID.
func Register(srv *mcp.Server, e engine.Engine, userID string) {
	t := tools{engine: e, userID: userID}
	add(srv, &mcp.Tool{
		Name:        "list_forge_rules",
		Description: "List automation rules.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, t.listRules)
	add(srv, &mcp.Tool{
		Name:        "create_forge_rule",
		Description: "Create an automation rule. The trigger and action configs are validated before the rule is stored.",
		InputSchema: inputSchema(ruleProperties(), []string{"name", "trigger_type", "action_type"}),
	}, t.createRule)
	update := ruleProperties()
	update["id"] = map[string]any{"type": "string", "description": "Rule ID"}
	add(srv, &mcp.Tool{
		Name:        "update_forge_rule",
		Description: "Patch an automation rule. Omitted fields are left unchanged.",
		InputSchema: inputSchema(update, []string{"id"}),
	}, t.updateRule)
	add(srv, &mcp.Tool{
		Name:        "delete_forge_rule",
		Description: "Delete an automation rule and its run history.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Rule ID"},
		}, []string{"id"}),
	}, t.deleteRule)
	add(srv, &mcp.Tool{
		Name:        "run_forge_rule",
		Description: "Execute a rule now. Repeating a dedupe key is a no-op.",
		InputSchema: inputSchema(map[string]any{
			"id":         map[string]any{"type": "string", "description": "Rule ID"},
			"dedupe_key": map[string]any{"type": "string", "description": "Idempotency key; random when omitted"},
			"payload":    map[string]any{"type": "object", "description": "Trigger payload passed to the action"},
			"dry_run":    map[string]any{"type": "boolean", "description": "Record the run without performing the action"},
		}, []string{"id"}),
	}, t.runRule)
	add(srv, &mcp.Tool{
		Name:        "list_forge_runs",
		Description: "List recent rule executions, newest first.",
		InputSchema: inputSchema(map[string]any{
			"rule_id": map[string]any{"type": "string", "description": "Only runs of this rule"},
			"status":  map[string]any{"type": "string", "enum": []string{domain.RunSuccess, domain.RunSkipped, domain.RunFailed}},
			"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 500},
		}, nil),
	}, t.listRuns)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func ruleProperties() map[string]any {
	return map[string]any{
		"name": map[string]any{"type": "string"},
		"trigger_type": map[string]any{
			"type": "string",
			"enum": domain.TriggerTypes,
		},
		"trigger_config": map[string]any{"type": "object"},
		"action_type": map[string]any{
			"type": "string",
			"enum": domain.ActionTypes,
		},
		"action_config": map[string]any{"type": "object"},
		"enabled":       map[string]any{"type": "boolean"},
	}
}

// add registers a tool whose handler decodes into A. Handler errors become
// tool errors rather than protocol errors.
func add[A any](srv *mcp.Server, tool *mcp.Tool, h func(context.Context, A) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		out, err := h(ctx, args)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, repo.ErrNotFound) {
		err = errors.New("rule not found")
	}
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

type tools struct {
	engine engine.Engine
	userID string
}

type ruleArgs struct {
	ID            string         `json:"id"`
	Name          *string        `json:"name"`
	TriggerType   *string        `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	ActionType    *string        `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config"`
	Enabled       *bool          `json:"enabled"`
}

type runArgs struct {
	ID        string         `json:"id"`
	DedupeKey string         `json:"dedupe_key"`
	Payload   map[string]any `json:"payload"`
	DryRun    bool           `json:"dry_run"`
}

type listRunsArgs struct {
	RuleID string `json:"rule_id"`
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

type empty struct{}

func (t tools) listRules(ctx context.Context, _ empty) (any, error) {
	rules, err := t.engine.ListRules(ctx, t.userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rules": redact.Rules(rules)}, nil
}

func (t tools) createRule(ctx context.Context, a ruleArgs) (any, error) {
	opts := engine.RuleCreateOptions{
		UserID:        t.userID,
		TriggerConfig: a.TriggerConfig,
		ActionConfig:  a.ActionConfig,
		Enabled:       a.Enabled,
	}
	if a.Name != nil {
		opts.Name = *a.Name
	}
	if a.TriggerType != nil {
		opts.TriggerType = *a.TriggerType
	}
	if a.ActionType != nil {
		opts.ActionType = *a.ActionType
	}
	rule, err := t.engine.CreateRule(ctx, opts)
	if err != nil {
		return nil, err
	}
	return redact.Rule(rule), nil
}

func (t tools) updateRule(ctx context.Context, a ruleArgs) (any, error) {
	if a.ID == "" {
		return nil, errors.New("id is required")
	}
	rule, err := t.engine.UpdateRule(ctx, engine.RuleUpdateOptions{
		ID:            a.ID,
		UserID:        t.userID,
		Name:          a.Name,
		TriggerType:   a.TriggerType,
		TriggerConfig: a.TriggerConfig,
		ActionType:    a.ActionType,
		ActionConfig:  a.ActionConfig,
		Enabled:       a.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return redact.Rule(rule), nil
}

func (t tools) deleteRule(ctx context.Context, a ruleArgs) (any, error) {
	if a.ID == "" {
		return nil, errors.New("id is required")
	}
	if err := t.engine.DeleteRule(ctx, t.userID, a.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": a.ID}, nil
}

func (t tools) runRule(ctx context.Context, a runArgs) (any, error) {
	if a.ID == "" {
		return nil, errors.New("id is required")
	}
	res, err := t.engine.RunRule(ctx, t.userID, a.ID, engine.RunOptions{
		DedupeKey: a.DedupeKey,
		Payload:   a.Payload,
		DryRun:    a.DryRun,
	})
	if err != nil {
		return nil, err
	}
	if res.Run != nil {
		run := redact.Run(*res.Run)
		res.Run = &run
	}
	return res, nil
}

func (t tools) listRuns(ctx context.Context, a listRunsArgs) (any, error) {
	runs, err := t.engine.Repo.ListRuns(ctx, repo.RunFilters{
		UserID: t.userID,
		RuleID: a.RuleID,
		Status: a.Status,
		Limit:  a.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": redact.Runs(runs)}, nil
}

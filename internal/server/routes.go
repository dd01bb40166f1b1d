package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"forge/internal/engine"
	"forge/internal/repo"
	"forge/internal/signature"
)

var crudErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type ruleOutput struct {
	Body RuleResponse `json:"body"`
}

type rulePath struct {
	RuleID string `path:"rule_id"`
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		TriggerType string `query:"trigger_type"`
		Enabled     string `query:"enabled" doc:"true or false"`
	}) (*struct {
		Body ruleList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.RuleFilters{UserID: userID, TriggerType: input.TriggerType}
		if input.Enabled != "" {
			enabled := input.Enabled == "true"
			f.Enabled = &enabled
		}
		items, err := e.Repo.ListRules(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ruleList `json:"body"`
		}{Body: ruleList{Items: mapRules(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        append(crudErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := e.CreateRule(ctx, engine.RuleCreateOptions{
			UserID:        userID,
			Name:          input.Body.Name,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: input.Body.TriggerConfig,
			ActionType:    input.Body.ActionType,
			ActionConfig:  input.Body.ActionConfig,
			Enabled:       input.Body.Enabled,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *rulePath) (*ruleOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := e.GetRule(ctx, userID, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update rule",
		Errors:      append(crudErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{
			ID:            input.RuleID,
			UserID:        userID,
			Name:          input.Body.Name,
			TriggerType:   input.Body.TriggerType,
			TriggerConfig: input.Body.TriggerConfig,
			ActionType:    input.Body.ActionType,
			ActionConfig:  input.Body.ActionConfig,
			Enabled:       input.Body.Enabled,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete rule and its run history",
		DefaultStatus: http.StatusNoContent,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *rulePath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRule(ctx, userID, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/run",
		Summary:     "Run a rule now",
		Description: "Executes the rule once regardless of its trigger. A repeated dedupe_key is skipped.",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string          `path:"rule_id"`
		Body   *RunRuleRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body RunRuleResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var opts engine.RunOptions
		if input.Body != nil {
			opts = engine.RunOptions{DedupeKey: input.Body.DedupeKey, Payload: input.Body.Payload, DryRun: input.Body.DryRun}
		}
		res, err := e.RunRule(ctx, userID, input.RuleID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunRuleResponse `json:"body"`
		}{Body: runRuleResponse(res)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent runs",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string `query:"rule_id"`
		Status string `query:"status" doc:"success, skipped or failed"`
		Since  string `query:"since" doc:"RFC3339 lower bound on started_at"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body runList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		since, err := parseTimeParam("since", input.Since)
		if err != nil {
			return nil, err
		}
		items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			UserID: userID,
			RuleID: input.RuleID,
			Status: input.Status,
			Since:  since,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runList `json:"body"`
		}{Body: runList{Items: mapRuns(items)}}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List recent signals",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		Source string `query:"source"`
		Type   string `query:"type"`
		Since  string `query:"since" doc:"RFC3339 or epoch milliseconds"`
		Until  string `query:"until" doc:"RFC3339 or epoch milliseconds"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body signalList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		since, err := parseTimeParam("since", input.Since)
		if err != nil {
			return nil, err
		}
		until, err := parseTimeParam("until", input.Until)
		if err != nil {
			return nil, err
		}
		items, err := e.Repo.ListSignals(ctx, repo.SignalFilters{
			UserID: userID,
			Source: input.Source,
			Type:   input.Type,
			Since:  since,
			Until:  until,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := signalList{Items: make([]SignalResponse, 0, len(items))}
		for _, s := range items {
			out.Items = append(out.Items, signalResponse(s))
		}
		return &struct {
			Body signalList `json:"body"`
		}{Body: out}, nil
	})
}

func registerTick(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Evaluate rules",
		Description: "Evaluates the caller's enabled rules against the given events and the cron schedule at the current minute.",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		Body *TickRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.TickInput{UserID: userID}
		if input.Body != nil {
			in.DryRun = input.Body.DryRun
			for _, evt := range input.Body.Events {
				// callers may only raise events for themselves
				in.Events = append(in.Events, evt.event(userID))
			}
		}
		res, err := e.Tick(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: tickResponse(res)}, nil
	})
}

func registerIntegrations(api huma.API, e engine.Engine) {
	type settingsOutput struct {
		Body IntegrationSettingsResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-integrations",
		Method:      http.MethodGet,
		Path:        "/integrations",
		Summary:     "Get delivery integration settings",
		Errors:      crudErrors,
	}, func(ctx context.Context, _ *struct{}) (*settingsOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetIntegrationSettings(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &settingsOutput{Body: settingsResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-integrations",
		Method:      http.MethodPatch,
		Path:        "/integrations",
		Summary:     "Update delivery integration settings",
		Errors:      crudErrors,
	}, func(ctx context.Context, input *struct {
		Body IntegrationSettingsRequest `json:"body"`
	}) (*settingsOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Repo.GetIntegrationSettings(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		next := input.Body.apply(current)
		if err := e.Repo.UpsertIntegrationSettings(ctx, userID, next, time.Now().UTC()); err != nil {
			return nil, handleError(err)
		}
		return &settingsOutput{Body: settingsResponse(next)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		Description:   "The plaintext key is only returned in this response.",
		DefaultStatus: http.StatusCreated,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := ""
		if input.Body != nil {
			name = input.Body.Name
		}
		key, plain, err := e.CreateAPIKey(ctx, userID, name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      crudErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        crudErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, userID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: principal.UserID, Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		token, err := signature.SignBearer(authCfg.JWTSecret, user, 24*time.Hour, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func parseTimeParam(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return t, nil
}

package server

import (
	"time"

	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/redact"
)

// Request payloads

type CreateRuleRequest struct {
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type" enum:"cron,event,signal,webhook,companion,manual"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    string         `json:"action_type" enum:"queue-quest,send-notification,update-skill,run-script,log-to-vault,trigger-companion"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

type UpdateRuleRequest struct {
	Name          *string        `json:"name,omitempty"`
	TriggerType   *string        `json:"trigger_type,omitempty" enum:"cron,event,signal,webhook,companion,manual"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    *string        `json:"action_type,omitempty" enum:"queue-quest,send-notification,update-skill,run-script,log-to-vault,trigger-companion"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

type RunRuleRequest struct {
	DedupeKey string         `json:"dedupe_key,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
}

type TickRequest struct {
	Events []TickEvent `json:"events,omitempty"`
	DryRun bool        `json:"dry_run,omitempty"`
}

type TickEvent struct {
	Kind      string         `json:"kind" enum:"event,signal,webhook,companion"`
	Channel   string         `json:"channel,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Source    string         `json:"source,omitempty"`
	DedupeKey string         `json:"dedupe_key"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (t TickEvent) event(userID string) domain.ForgeEvent {
	return domain.ForgeEvent{
		UserID:     userID,
		Kind:       t.Kind,
		Channel:    t.Channel,
		EventName:  t.EventName,
		Source:     t.Source,
		DedupeKey:  t.DedupeKey,
		OccurredAt: time.Now().UTC(),
		Payload:    t.Payload,
	}
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type RuleResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
	ActionType    string         `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type RunResponse struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	TriggerType    string         `json:"trigger_type"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	ActionType     string         `json:"action_type"`
	ActionPayload  map[string]any `json:"action_payload,omitempty"`
	Status         string         `json:"status" enum:"success,skipped,failed"`
	DedupeKey      string         `json:"dedupe_key"`
	Error          string         `json:"error,omitempty"`
	StartedAt      string         `json:"started_at" format:"date-time"`
	FinishedAt     string         `json:"finished_at" format:"date-time"`
}

type RunRuleResponse struct {
	Run     *RunResponse `json:"run,omitempty"`
	Skipped bool         `json:"skipped"`
}

type TickResponse struct {
	Matched  int           `json:"matched"`
	Executed int           `json:"executed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Runs     []RunResponse `json:"runs"`
}

type SignalResponse struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
	DetectedAt string         `json:"detected_at" format:"date-time"`
	IngestedAt string         `json:"ingested_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned once, at creation.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type runList struct {
	Items []RunResponse `json:"items"`
}

type signalList struct {
	Items []SignalResponse `json:"items"`
}

type ruleList struct {
	Items []RuleResponse `json:"items"`
}

// Mapping helpers. Everything rendered passes through redact.

func ruleResponse(r domain.ForgeRule) RuleResponse {
	r = redact.Rule(r)
	return RuleResponse{
		ID:            r.ID,
		Name:          r.Name,
		TriggerType:   r.TriggerType,
		TriggerConfig: nonNilMap(r.TriggerConfig),
		ActionType:    r.ActionType,
		ActionConfig:  nonNilMap(r.ActionConfig),
		Enabled:       r.Enabled,
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
	}
}

func runResponse(run domain.ForgeRun) RunResponse {
	run = redact.Run(run)
	return RunResponse{
		ID:             run.ID,
		RuleID:         run.RuleID,
		TriggerType:    run.TriggerType,
		TriggerPayload: run.TriggerPayload,
		ActionType:     run.ActionType,
		ActionPayload:  run.ActionPayload,
		Status:         run.Status,
		DedupeKey:      run.DedupeKey,
		Error:          run.Error,
		StartedAt:      formatTime(run.StartedAt),
		FinishedAt:     formatTime(run.FinishedAt),
	}
}

func runRuleResponse(res engine.RunResult) RunRuleResponse {
	out := RunRuleResponse{Skipped: res.Skipped}
	if res.Run != nil {
		run := runResponse(*res.Run)
		out.Run = &run
	}
	return out
}

func tickResponse(res engine.TickResult) TickResponse {
	return TickResponse{
		Matched:  res.Matched,
		Executed: res.Executed,
		Skipped:  res.Skipped,
		Failed:   res.Failed,
		Runs:     mapRuns(res.Runs),
	}
}

func signalResponse(s domain.Signal) SignalResponse {
	return SignalResponse{
		ID:         s.ID,
		Source:     s.Source,
		Type:       s.Type,
		Confidence: s.Confidence,
		Payload:    redact.Map(s.Payload),
		DetectedAt: formatTime(s.DetectedAt),
		IngestedAt: formatTime(s.IngestedAt),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func mapRules(items []domain.ForgeRule) []RuleResponse {
	out := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		out = append(out, ruleResponse(r))
	}
	return out
}

func mapRuns(items []domain.ForgeRun) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type IntegrationSettingsRequest struct {
	TelegramBotToken      *string `json:"telegram_bot_token,omitempty"`
	TelegramChatID        *string `json:"telegram_chat_id,omitempty"`
	WhatsAppAccessToken   *string `json:"whatsapp_access_token,omitempty"`
	WhatsAppPhoneNumberID *string `json:"whatsapp_phone_number_id,omitempty"`
	WhatsAppTo            *string `json:"whatsapp_to,omitempty"`
}

type IntegrationSettingsResponse struct {
	TelegramBotToken      string `json:"telegram_bot_token,omitempty"`
	TelegramChatID        string `json:"telegram_chat_id,omitempty"`
	WhatsAppAccessToken   string `json:"whatsapp_access_token,omitempty"`
	WhatsAppPhoneNumberID string `json:"whatsapp_phone_number_id,omitempty"`
	WhatsAppTo            string `json:"whatsapp_to,omitempty"`
}

func (r IntegrationSettingsRequest) apply(s domain.IntegrationSettings) domain.IntegrationSettings {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.TelegramBotToken, r.TelegramBotToken)
	set(&s.TelegramChatID, r.TelegramChatID)
	set(&s.WhatsAppAccessToken, r.WhatsAppAccessToken)
	set(&s.WhatsAppPhoneNumberID, r.WhatsAppPhoneNumberID)
	set(&s.WhatsAppTo, r.WhatsAppTo)
	return s
}

func settingsResponse(s domain.IntegrationSettings) IntegrationSettingsResponse {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return redact.Placeholder
	}
	return IntegrationSettingsResponse{
		TelegramBotToken:      mask(s.TelegramBotToken),
		TelegramChatID:        s.TelegramChatID,
		WhatsAppAccessToken:   mask(s.WhatsAppAccessToken),
		WhatsAppPhoneNumberID: s.WhatsAppPhoneNumberID,
		WhatsAppTo:            s.WhatsAppTo,
	}
}

package domain

import "time"

// Signal sources.
const (
	SourceCalendar  = "calendar"
	SourceMail      = "mail"
	SourceFile      = "file"
	SourceProcess   = "process"
	SourceGit       = "git"
	SourceWebhook   = "webhook"
	SourceManual    = "manual"
	SourceCompanion = "companion"
)

// Signal types.
const (
	SignalActivity   = "activity"
	SignalDrift      = "drift"
	SignalFocus      = "focus"
	SignalCompletion = "completion"
	SignalSchedule   = "schedule"
	SignalHealth     = "health"
	SignalContext    = "context"
)

// Trigger types.
const (
	TriggerCron      = "cron"
	TriggerEvent     = "event"
	TriggerSignal    = "signal"
	TriggerWebhook   = "webhook"
	TriggerCompanion = "companion"
	TriggerManual    = "manual"
)

// Action types.
const (
	ActionQueueQuest       = "queue-quest"
	ActionSendNotification = "send-notification"
	ActionUpdateSkill      = "update-skill"
	ActionRunScript        = "run-script"
	ActionLogToVault       = "log-to-vault"
	ActionTriggerCompanion = "trigger-companion"
)

// Run statuses.
const (
	RunSuccess = "success"
	RunSkipped = "skipped"
	RunFailed  = "failed"
)

// Inbound channels.
const (
	ChannelWebhook  = "webhook"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
)

var (
	SignalSources = []string{SourceCalendar, SourceMail, SourceFile, SourceProcess, SourceGit, SourceWebhook, SourceManual, SourceCompanion}
	SignalTypes   = []string{SignalActivity, SignalDrift, SignalFocus, SignalCompletion, SignalSchedule, SignalHealth, SignalContext}
	TriggerTypes  = []string{TriggerCron, TriggerEvent, TriggerSignal, TriggerWebhook, TriggerCompanion, TriggerManual}
	ActionTypes   = []string{ActionQueueQuest, ActionSendNotification, ActionUpdateSkill, ActionRunScript, ActionLogToVault, ActionTriggerCompanion}
	Channels      = []string{ChannelWebhook, ChannelTelegram, ChannelDiscord, ChannelWhatsApp}
)

// Signal is an immutable record of something observed.
type Signal struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Source     string         `json:"source" enum:"calendar,mail,file,process,git,webhook,manual,companion"`
	Type       string         `json:"type" enum:"activity,drift,focus,completion,schedule,health,context"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload"`
	DetectedAt time.Time      `json:"detected_at" format:"date-time"`
	IngestedAt time.Time      `json:"ingested_at" format:"date-time"`
}

// ForgeRule is a user-declared trigger -> action automation.
type ForgeRule struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type" enum:"cron,event,signal,webhook,companion,manual"`
	TriggerConfig map[string]any `json:"trigger_config"`
	ActionType    string         `json:"action_type" enum:"queue-quest,send-notification,update-skill,run-script,log-to-vault,trigger-companion"`
	ActionConfig  map[string]any `json:"action_config"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time      `json:"updated_at" format:"date-time"`
}

// ForgeRun is one idempotent execution record, unique on (RuleID, DedupeKey).
type ForgeRun struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	RuleID         string         `json:"rule_id"`
	TriggerType    string         `json:"trigger_type"`
	TriggerPayload map[string]any `json:"trigger_payload"`
	ActionType     string         `json:"action_type"`
	ActionPayload  map[string]any `json:"action_payload"`
	Status         string         `json:"status" enum:"success,skipped,failed"`
	DedupeKey      string         `json:"dedupe_key"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at" format:"date-time"`
	FinishedAt     time.Time      `json:"finished_at" format:"date-time"`
	CreatedAt      time.Time      `json:"created_at" format:"date-time"`
}

// ForgeEvent is a normalized occurrence handed to the engine.
type ForgeEvent struct {
	UserID     string         `json:"user_id"`
	Kind       string         `json:"kind"`
	Channel    string         `json:"channel,omitempty"`
	EventName  string         `json:"event_name,omitempty"`
	Source     string         `json:"source,omitempty"`
	DedupeKey  string         `json:"dedupe_key"`
	SignalID   string         `json:"signal_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" format:"date-time"`
	Payload    map[string]any `json:"payload"`
}

// IntegrationSettings is the installation-level config shared by every rule of a user.
type IntegrationSettings struct {
	TelegramBotToken      string `json:"telegramBotToken,omitempty"`
	TelegramChatID        string `json:"telegramChatId,omitempty"`
	WhatsAppAccessToken   string `json:"whatsAppAccessToken,omitempty"`
	WhatsAppPhoneNumberID string `json:"whatsAppPhoneNumberId,omitempty"`
	WhatsAppTo            string `json:"whatsAppTo,omitempty"`
}

type Quest struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`
	QueuedAt *time.Time `json:"queued_at,omitempty"`
}

type Skill struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	XP     int    `json:"xp"`
	Level  int    `json:"level"`
}

type VaultEntry struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ActivityType    string    `json:"activity_type"`
	Difficulty      string    `json:"difficulty"`
	DurationMinutes int       `json:"duration_minutes"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

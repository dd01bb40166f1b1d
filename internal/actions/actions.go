// Package actions executes the side effect a matched rule asks for. Every
// executor is individually bounded and returns an action payload that is safe
// to store and show: no tokens, no request URLs.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"forge/internal/domain"
)

// Gamification is the collaborator store quest, skill and vault actions
// mutate.
type Gamification interface {
	QueueQuest(ctx context.Context, userID, id string, now time.Time) (domain.Quest, error)
	AddSkillXP(ctx context.Context, userID, id string, xp int) (domain.Skill, error)
	InsertVaultEntry(ctx context.Context, v domain.VaultEntry) error
}

// SignalAppender records companion signals.
type SignalAppender interface {
	AppendOne(ctx context.Context, s domain.Signal) (domain.Signal, error)
}

// Executor dispatches a rule's action to its implementation.
type Executor struct {
	Store       Gamification
	Signals     SignalAppender
	Resolver    *Resolver
	HTTP        *http.Client
	WhatsAppAPI string
	Script      ScriptConfig
	Logger      *slog.Logger
	Now         func() time.Time
}

func (x *Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Executor) client() *http.Client {
	if x.HTTP != nil {
		return x.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Execute runs rule's action for one trigger occurrence. The returned payload
// is recorded on the run even when err is non-nil.
func (x *Executor) Execute(ctx context.Context, rule domain.ForgeRule, trigger map[string]any) (map[string]any, error) {
	switch rule.ActionType {
	case domain.ActionSendNotification:
		return x.sendNotification(ctx, rule, trigger)
	case domain.ActionRunScript:
		return x.runScript(ctx, rule)
	case domain.ActionQueueQuest:
		return x.queueQuest(ctx, rule)
	case domain.ActionUpdateSkill:
		return x.updateSkill(ctx, rule)
	case domain.ActionLogToVault:
		return x.logToVault(ctx, rule)
	case domain.ActionTriggerCompanion:
		return x.triggerCompanion(ctx, rule, trigger)
	default:
		return nil, fmt.Errorf("unsupported action type %q", rule.ActionType)
	}
}

func (x *Executor) runScript(ctx context.Context, rule domain.ForgeRule) (map[string]any, error) {
	cfg := rule.ActionConfig
	timeout := time.Duration(intField(cfg, "timeoutMs")) * time.Millisecond
	res, err := RunScript(ctx, x.Script, stringField(cfg, "script"), stringField(cfg, "cwd"), timeout)
	return res.payload(), err
}

func (x *Executor) queueQuest(ctx context.Context, rule domain.ForgeRule) (map[string]any, error) {
	if x.Store == nil {
		return nil, fmt.Errorf("quest store unavailable")
	}
	id := stringField(rule.ActionConfig, "questId")
	q, err := x.Store.QueueQuest(ctx, rule.UserID, id, x.now())
	if err != nil {
		return map[string]any{"questId": id}, fmt.Errorf("queue quest %q: %w", id, err)
	}
	return map[string]any{"questId": q.ID, "status": q.Status}, nil
}

func (x *Executor) updateSkill(ctx context.Context, rule domain.ForgeRule) (map[string]any, error) {
	if x.Store == nil {
		return nil, fmt.Errorf("skill store unavailable")
	}
	id := stringField(rule.ActionConfig, "skillId")
	xp := intField(rule.ActionConfig, "xp")
	s, err := x.Store.AddSkillXP(ctx, rule.UserID, id, xp)
	if err != nil {
		return map[string]any{"skillId": id}, fmt.Errorf("update skill %q: %w", id, err)
	}
	return map[string]any{"skillId": s.ID, "granted": xp, "xp": s.XP, "level": s.Level}, nil
}

func (x *Executor) logToVault(ctx context.Context, rule domain.ForgeRule) (map[string]any, error) {
	if x.Store == nil {
		return nil, fmt.Errorf("vault store unavailable")
	}
	cfg := rule.ActionConfig
	entry := domain.VaultEntry{
		ID:              uuid.NewString(),
		UserID:          rule.UserID,
		ActivityType:    stringField(cfg, "activityType"),
		Difficulty:      stringField(cfg, "difficulty"),
		DurationMinutes: intField(cfg, "durationMinutes"),
		Note:            stringField(cfg, "note"),
		CreatedAt:       x.now().UTC(),
	}
	if entry.Difficulty == "" {
		entry.Difficulty = "medium"
	}
	if err := x.Store.InsertVaultEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("log to vault: %w", err)
	}
	return map[string]any{
		"entryId":         entry.ID,
		"activityType":    entry.ActivityType,
		"difficulty":      entry.Difficulty,
		"durationMinutes": entry.DurationMinutes,
	}, nil
}

// triggerCompanion records a companion signal for the agent loop to pick up.
// The signal is not fed back into the engine.
func (x *Executor) triggerCompanion(ctx context.Context, rule domain.ForgeRule, trigger map[string]any) (map[string]any, error) {
	if x.Signals == nil {
		return nil, fmt.Errorf("signal store unavailable")
	}
	payload := map[string]any{
		"channel":   "companion",
		"eventName": "companion.trigger",
		"ruleId":    rule.ID,
	}
	if msg := stringField(rule.ActionConfig, "message"); msg != "" {
		payload["message"] = msg
	}
	if mood := stringField(rule.ActionConfig, "mood"); mood != "" {
		payload["mood"] = mood
	}
	if name := stringField(trigger, "eventName"); name != "" {
		payload["triggerEvent"] = name
	}
	now := x.now().UTC()
	sig, err := x.Signals.AppendOne(ctx, domain.Signal{
		UserID:     rule.UserID,
		Source:     domain.SourceCompanion,
		Type:       domain.SignalContext,
		Confidence: 1,
		Payload:    payload,
		DetectedAt: now,
		IngestedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("record companion signal: %w", err)
	}
	return map[string]any{"signalId": sig.ID}, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		var n int
		if s := stringField(m, key); s != "" {
			fmt.Sscan(s, &n)
		}
		return n
	}
}

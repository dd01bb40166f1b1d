// Package validate checks and normalizes a rule's trigger and action
// configuration before it is persisted or executed. Every failure is an
// *Error naming the offending field.
package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"forge/internal/domain"
	"forge/internal/repo"
)

// Error is a validation failure with a human-actionable message.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func fail(field, format string, args ...any) error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a validation failure.
func IsValidation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

var (
	cronField = regexp.MustCompile(`^[0-9*/,\-]+$`)

	SignalSources      = []string{domain.SourceGit, domain.SourceFile, domain.SourceProcess}
	MatchModes         = []string{"contains", "exact", "regex"}
	NotifyChannels     = []string{"console", "webhook", "telegram", "whatsapp"}
	ActivityTypes      = []string{"coding", "learning", "exercise", "reading", "writing", "meditation", "other"}
	Difficulties       = []string{"easy", "medium", "hard", "epic"}
	DefaultDifficulty  = "medium"
	DefaultMatchMode   = "contains"
	terminalQuestState = repo.TerminalQuestStatuses
)

type QuestLookup interface {
	GetQuest(ctx context.Context, userID, id string) (domain.Quest, error)
}

type SkillLookup interface {
	GetSkill(ctx context.Context, userID, id string) (domain.Skill, error)
}

// Credentials checks that a notification channel can be delivered to,
// walking the per-call, installation and environment fallbacks.
type Credentials interface {
	CheckTelegram(ctx context.Context, userID string, cfg map[string]any) error
	CheckWhatsApp(ctx context.Context, userID string, cfg map[string]any) error
}

// Deps are the collaborators validation consults. A nil collaborator skips
// the checks that need it.
type Deps struct {
	Quests      QuestLookup
	Skills      SkillLookup
	Credentials Credentials
}

// Normalized is the validated pair of configs, ready to persist.
type Normalized struct {
	TriggerConfig map[string]any
	ActionConfig  map[string]any
}

// Validate checks both halves of a rule. Input keys are preserved; only
// trimming, casing and defaults are applied.
func Validate(ctx context.Context, deps Deps, userID, triggerType string, triggerConfig map[string]any, actionType string, actionConfig map[string]any) (Normalized, error) {
	trig, err := Trigger(triggerType, triggerConfig)
	if err != nil {
		return Normalized{}, err
	}
	act, err := Action(ctx, deps, userID, actionType, actionConfig)
	if err != nil {
		return Normalized{}, err
	}
	return Normalized{TriggerConfig: trig, ActionConfig: act}, nil
}

// Trigger validates a trigger config for its type.
func Trigger(triggerType string, cfg map[string]any) (map[string]any, error) {
	out := clone(cfg)
	switch triggerType {
	case domain.TriggerCron:
		return out, cronTrigger(out)
	case domain.TriggerSignal:
		return out, signalTrigger(out)
	case domain.TriggerWebhook, domain.TriggerEvent, domain.TriggerCompanion:
		return out, channelTrigger(out)
	case domain.TriggerManual:
		return out, nil
	default:
		return nil, fail("triggerType", "unknown trigger type %q (expected one of %s)", triggerType, strings.Join(domain.TriggerTypes, ", "))
	}
}

// Action validates an action config for its type.
func Action(ctx context.Context, deps Deps, userID, actionType string, cfg map[string]any) (map[string]any, error) {
	out := clone(cfg)
	var err error
	switch actionType {
	case domain.ActionQueueQuest:
		err = queueQuest(ctx, deps, userID, out)
	case domain.ActionSendNotification:
		err = sendNotification(ctx, deps, userID, out)
	case domain.ActionUpdateSkill:
		err = updateSkill(ctx, deps, userID, out)
	case domain.ActionRunScript:
		err = runScript(out)
	case domain.ActionLogToVault:
		err = logToVault(out)
	case domain.ActionTriggerCompanion:
		err = triggerCompanion(out)
	default:
		return nil, fail("actionType", "unknown action type %q (expected one of %s)", actionType, strings.Join(domain.ActionTypes, ", "))
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseCron validates and parses an expression, returning the normalized
// single-spaced form and its schedule.
func ParseCron(expr string) (string, cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", nil, fail("triggerConfig.cron", "cron expression %q must have 5 fields (minute hour day-of-month month day-of-week), got %d", expr, len(fields))
	}
	names := []string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	for i, f := range fields {
		if !cronField.MatchString(f) {
			return "", nil, fail("triggerConfig.cron", "cron expression %q: %s field %q may only contain digits and * / , -", expr, names[i], f)
		}
	}
	normalized := strings.Join(fields, " ")
	sched, err := cron.ParseStandard(normalized)
	if err != nil {
		return "", nil, fail("triggerConfig.cron", "cron expression %q: %v", expr, err)
	}
	return normalized, sched, nil
}

func cronTrigger(cfg map[string]any) error {
	raw, ok := cfg["cron"]
	if !ok || raw == nil {
		return fail("triggerConfig.cron", "cron expression is required, e.g. \"0 9 * * 1-5\" (5 fields)")
	}
	expr, ok := raw.(string)
	if !ok {
		return fail("triggerConfig.cron", "cron expression must be a string with 5 fields, got %v", raw)
	}
	normalized, _, err := ParseCron(expr)
	if err != nil {
		return err
	}
	cfg["cron"] = normalized
	tz, err := optionalString(cfg, "timezone", "triggerConfig.timezone")
	if err != nil {
		return err
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fail("triggerConfig.timezone", "unknown time zone %q; use an IANA name such as \"Europe/Berlin\"", tz)
		}
		cfg["timezone"] = tz
	}
	return nil
}

func signalTrigger(cfg map[string]any) error {
	source, err := optionalString(cfg, "source", "triggerConfig.source")
	if err != nil {
		return err
	}
	source = strings.ToLower(source)
	if !slices.Contains(SignalSources, source) {
		return fail("triggerConfig.source", "signal source must be one of %s", strings.Join(SignalSources, ", "))
	}
	cfg["source"] = source
	switch source {
	case domain.SourceFile:
		path, err := optionalString(cfg, "path", "triggerConfig.path")
		if err != nil {
			return err
		}
		if path == "" {
			return fail("triggerConfig.path", "file signal rules need the path to watch")
		}
		cfg["path"] = path
	case domain.SourceProcess:
		key := "match"
		if _, ok := cfg[key]; !ok {
			if _, alias := cfg["name"]; alias {
				key = "name"
			}
		}
		match, err := optionalString(cfg, key, "triggerConfig."+key)
		if err != nil {
			return err
		}
		if match == "" {
			return fail("triggerConfig.match", "process signal rules need a process name to match")
		}
		cfg[key] = match
		mode, err := optionalString(cfg, "matchMode", "triggerConfig.matchMode")
		if err != nil {
			return err
		}
		mode = strings.ToLower(mode)
		if mode == "" {
			mode = DefaultMatchMode
		}
		if !slices.Contains(MatchModes, mode) {
			return fail("triggerConfig.matchMode", "matchMode must be one of %s", strings.Join(MatchModes, ", "))
		}
		if mode == "regex" {
			if _, err := regexp.Compile(match); err != nil {
				return fail("triggerConfig.match", "invalid regular expression %q: %v", match, err)
			}
		}
		cfg["matchMode"] = mode
	case domain.SourceGit:
		repoPath, err := optionalString(cfg, "repo", "triggerConfig.repo")
		if err != nil {
			return err
		}
		if repoPath != "" {
			cfg["repo"] = repoPath
		}
	}
	return nil
}

func channelTrigger(cfg map[string]any) error {
	channel, err := optionalString(cfg, "channel", "triggerConfig.channel")
	if err != nil {
		return err
	}
	if channel != "" {
		channel = strings.ToLower(channel)
		if !slices.Contains(domain.Channels, channel) {
			return fail("triggerConfig.channel", "channel must be one of %s", strings.Join(domain.Channels, ", "))
		}
		cfg["channel"] = channel
	}
	name, err := optionalString(cfg, "eventName", "triggerConfig.eventName")
	if err != nil {
		return err
	}
	if name != "" {
		cfg["eventName"] = name
	} else {
		delete(cfg, "eventName")
	}
	return nil
}

func queueQuest(ctx context.Context, deps Deps, userID string, cfg map[string]any) error {
	id, err := optionalString(cfg, "questId", "actionConfig.questId")
	if err != nil {
		return err
	}
	if id == "" {
		return fail("actionConfig.questId", "questId is required")
	}
	cfg["questId"] = id
	if deps.Quests == nil {
		return nil
	}
	q, err := deps.Quests.GetQuest(ctx, userID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fail("actionConfig.questId", "quest %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("look up quest: %w", err)
	}
	if slices.Contains(terminalQuestState, q.Status) {
		return fail("actionConfig.questId", "quest %q is %s and cannot be queued", id, q.Status)
	}
	return nil
}

func updateSkill(ctx context.Context, deps Deps, userID string, cfg map[string]any) error {
	id, err := optionalString(cfg, "skillId", "actionConfig.skillId")
	if err != nil {
		return err
	}
	if id == "" {
		return fail("actionConfig.skillId", "skillId is required")
	}
	cfg["skillId"] = id
	xp, ok, err := optionalInt(cfg, "xp", "actionConfig.xp")
	if err != nil {
		return err
	}
	if !ok || xp <= 0 {
		return fail("actionConfig.xp", "xp must be a positive integer")
	}
	cfg["xp"] = xp
	if deps.Skills == nil {
		return nil
	}
	if _, err := deps.Skills.GetSkill(ctx, userID, id); errors.Is(err, repo.ErrNotFound) {
		return fail("actionConfig.skillId", "skill %q not found", id)
	} else if err != nil {
		return fmt.Errorf("look up skill: %w", err)
	}
	return nil
}

func logToVault(cfg map[string]any) error {
	activity, err := optionalString(cfg, "activityType", "actionConfig.activityType")
	if err != nil {
		return err
	}
	activity = strings.ToLower(activity)
	if !slices.Contains(ActivityTypes, activity) {
		return fail("actionConfig.activityType", "activityType must be one of %s", strings.Join(ActivityTypes, ", "))
	}
	cfg["activityType"] = activity
	diff, err := optionalString(cfg, "difficulty", "actionConfig.difficulty")
	if err != nil {
		return err
	}
	diff = strings.ToLower(diff)
	if diff == "" {
		diff = DefaultDifficulty
	}
	if !slices.Contains(Difficulties, diff) {
		return fail("actionConfig.difficulty", "difficulty must be one of %s", strings.Join(Difficulties, ", "))
	}
	cfg["difficulty"] = diff
	minutes, ok, err := optionalInt(cfg, "durationMinutes", "actionConfig.durationMinutes")
	if err != nil {
		return err
	}
	if !ok || minutes <= 0 {
		return fail("actionConfig.durationMinutes", "durationMinutes must be a positive integer")
	}
	cfg["durationMinutes"] = minutes
	if _, err := optionalString(cfg, "note", "actionConfig.note"); err != nil {
		return err
	}
	return nil
}

func triggerCompanion(cfg map[string]any) error {
	for _, key := range []string{"message", "mood"} {
		v, err := optionalString(cfg, key, "actionConfig."+key)
		if err != nil {
			return err
		}
		if v != "" {
			cfg[key] = v
		}
	}
	return nil
}

func runScript(cfg map[string]any) error {
	script, err := optionalString(cfg, "script", "actionConfig.script")
	if err != nil {
		return err
	}
	if script == "" {
		return fail("actionConfig.script", "script must not be blank")
	}
	cfg["script"] = script
	if timeout, ok, err := optionalInt(cfg, "timeoutMs", "actionConfig.timeoutMs"); err != nil {
		return err
	} else if ok {
		if timeout <= 0 {
			return fail("actionConfig.timeoutMs", "timeoutMs must be a positive integer")
		}
		cfg["timeoutMs"] = timeout
	}
	cwd, err := optionalString(cfg, "cwd", "actionConfig.cwd")
	if err != nil {
		return err
	}
	if cwd != "" {
		cfg["cwd"] = cwd
	}
	return nil
}

func sendNotification(ctx context.Context, deps Deps, userID string, cfg map[string]any) error {
	channel, err := optionalString(cfg, "channel", "actionConfig.channel")
	if err != nil {
		return err
	}
	channel = strings.ToLower(channel)
	if !slices.Contains(NotifyChannels, channel) {
		return fail("actionConfig.channel", "channel must be one of %s", strings.Join(NotifyChannels, ", "))
	}
	cfg["channel"] = channel
	msg, err := optionalString(cfg, "message", "actionConfig.message")
	if err != nil {
		return err
	}
	if msg == "" {
		return fail("actionConfig.message", "message must not be blank")
	}
	cfg["message"] = msg

	switch channel {
	case "webhook":
		raw, err := optionalString(cfg, "url", "actionConfig.url")
		if err != nil {
			return err
		}
		if err := checkURL(raw); err != nil {
			return err
		}
		cfg["url"] = raw
	case "telegram":
		if deps.Credentials != nil {
			return deps.Credentials.CheckTelegram(ctx, userID, cfg)
		}
	case "whatsapp":
		if deps.Credentials != nil {
			return deps.Credentials.CheckWhatsApp(ctx, userID, cfg)
		}
	}
	return nil
}

// checkURL accepts only absolute http(s) URLs with a host.
func checkURL(raw string) error {
	if raw == "" {
		return fail("actionConfig.url", "webhook notifications need an http(s) url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fail("actionConfig.url", "url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// optionalString returns the trimmed string at key, "" when absent or null,
// and an error when the value has another type.
func optionalString(cfg map[string]any, key, field string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fail(field, "must be a string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

// optionalInt reads an integral number within the int32 range. JSON
// decoding hands numbers over as float64 or json.Number.
func optionalInt(cfg map[string]any, key, field string) (int, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var i int64
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int64:
		i = n
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false, fail(field, "must be an integer, got %v", n)
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false, fail(field, "must be between %d and %d, got %v", math.MinInt32, math.MaxInt32, n)
		}
		i = int64(n)
	case json.Number:
		var err error
		if i, err = n.Int64(); err != nil {
			return 0, false, fail(field, "must be an integer, got %s", n)
		}
	default:
		return 0, false, fail(field, "must be an integer, got %T", v)
	}
	if i > math.MaxInt32 || i < math.MinInt32 {
		return 0, false, fail(field, "must be between %d and %d, got %d", math.MinInt32, math.MaxInt32, i)
	}
	return int(i), true, nil
}

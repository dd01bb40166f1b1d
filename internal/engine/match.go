package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"forge/internal/domain"
	"forge/internal/validate"
)

// acceptsKind maps an event kind onto the trigger types it can fire. Event
// rules listen to every named occurrence, webhook ones included.
func acceptsKind(triggerType, kind string) bool {
	switch triggerType {
	case domain.TriggerWebhook:
		return kind == domain.TriggerWebhook
	case domain.TriggerEvent:
		return kind == domain.TriggerEvent || kind == domain.TriggerWebhook
	case domain.TriggerSignal:
		return kind == domain.TriggerSignal
	case domain.TriggerCompanion:
		return kind == domain.TriggerCompanion
	default:
		return false
	}
}

// Matches reports whether rule fires for evt.
func Matches(rule domain.ForgeRule, evt domain.ForgeEvent) bool {
	if !rule.Enabled || rule.UserID != evt.UserID || !acceptsKind(rule.TriggerType, evt.Kind) {
		return false
	}
	cfg := rule.TriggerConfig
	switch rule.TriggerType {
	case domain.TriggerSignal:
		return matchSignal(cfg, evt)
	default:
		if ch := str(cfg, "channel"); ch != "" && ch != evt.Channel {
			return false
		}
		return matchName(str(cfg, "eventName"), evt.EventName)
	}
}

// matchName compares exactly, or by prefix when the pattern ends in "*".
func matchName(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matchSignal(cfg map[string]any, evt domain.ForgeEvent) bool {
	source := str(cfg, "source")
	if source != evt.Source {
		return false
	}
	switch source {
	case domain.SourceFile:
		path := str(cfg, "path")
		got := str(evt.Payload, "path")
		return got != "" && (got == path || strings.HasPrefix(got, strings.TrimSuffix(path, "/")+"/"))
	case domain.SourceProcess:
		want := str(cfg, "match")
		if want == "" {
			want = str(cfg, "name")
		}
		got := str(evt.Payload, "process")
		if got == "" {
			got = str(evt.Payload, "name")
		}
		if got == "" {
			return false
		}
		switch str(cfg, "matchMode") {
		case "exact":
			return strings.EqualFold(got, want)
		case "regex":
			re, err := regexp.Compile(want)
			return err == nil && re.MatchString(got)
		default:
			return strings.Contains(strings.ToLower(got), strings.ToLower(want))
		}
	case domain.SourceGit:
		if repo := str(cfg, "repo"); repo != "" {
			return str(evt.Payload, "repo") == repo
		}
		return true
	}
	return false
}

// cronDue reports whether a cron rule fires in the minute containing now and
// returns that minute. The schedule is evaluated in the rule's timezone so
// wall-clock times follow DST.
func cronDue(rule domain.ForgeRule, now time.Time) (bool, time.Time, error) {
	_, sched, err := validate.ParseCron(str(rule.TriggerConfig, "cron"))
	if err != nil {
		return false, time.Time{}, err
	}
	loc := time.UTC
	if tz := str(rule.TriggerConfig, "timezone"); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return false, time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	minute := now.UTC().Truncate(time.Minute)
	next := sched.Next(minute.Add(-time.Nanosecond).In(loc))
	return next.Equal(minute), minute, nil
}

// CronDedupeKey identifies one scheduled firing of a rule.
func CronDedupeKey(ruleID string, minute time.Time) string {
	return fmt.Sprintf("cron:%s:%d", ruleID, minute.Unix()/60)
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

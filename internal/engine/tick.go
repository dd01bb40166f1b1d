package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forge/internal/domain"
	"forge/internal/normalize"
	"forge/internal/repo"
)

const (
	// maxErrorRunes bounds the error text stored on a failed run.
	maxErrorRunes = 500
	dryRunPrefix  = "dry-run:"
)

// TickInput is one evaluation pass for a user.
type TickInput struct {
	UserID string
	Events []domain.ForgeEvent
	Now    time.Time
	DryRun bool
}

// TickResult summarizes a pass. Runs holds only the runs recorded by it.
type TickResult struct {
	Matched  int               `json:"matched"`
	Executed int               `json:"executed"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Runs     []domain.ForgeRun `json:"runs"`
}

func (t *TickResult) merge(o TickResult) {
	t.Matched += o.Matched
	t.Executed += o.Executed
	t.Skipped += o.Skipped
	t.Failed += o.Failed
	t.Runs = append(t.Runs, o.Runs...)
}

// RunOptions tune a run-now request. An empty DedupeKey makes every call a
// distinct occurrence.
type RunOptions struct {
	DedupeKey string
	Payload   map[string]any
	DryRun    bool
}

// RunResult is the outcome of one run-now request. Run is nil when the
// dedupe key was already executed.
type RunResult struct {
	Run     *domain.ForgeRun `json:"run,omitempty"`
	Skipped bool             `json:"skipped"`
}

type firing struct {
	rule        domain.ForgeRule
	triggerType string
	dedupeKey   string
	payload     map[string]any
}

// Tick evaluates the user's enabled rules against events and against the
// cron schedule at Now. Each matched (rule, dedupe key) executes at most once.
func (e Engine) Tick(ctx context.Context, in TickInput) (TickResult, error) {
	if in.UserID == "" {
		return TickResult{}, errors.New("user is required")
	}
	now := in.Now
	if now.IsZero() {
		now = e.now()
	}
	enabled := true
	rules, err := e.Repo.ListRules(ctx, repo.RuleFilters{UserID: in.UserID, Enabled: &enabled})
	if err != nil {
		return TickResult{}, fmt.Errorf("load rules: %w", err)
	}

	var firings []firing
	for _, rule := range rules {
		if rule.TriggerType == domain.TriggerCron {
			if f, ok := e.cronFiring(rule, now); ok {
				firings = append(firings, f)
			}
			continue
		}
		for _, evt := range in.Events {
			if evt.UserID == "" {
				evt.UserID = in.UserID
			}
			if !Matches(rule, evt) {
				continue
			}
			firings = append(firings, firing{rule: rule, dedupeKey: evt.DedupeKey, payload: eventPayload(evt)})
		}
	}
	return e.fire(ctx, firings, in.DryRun)
}

// TickCron fires every user's due cron rules. The scheduler calls it once
// per interval; the per-minute dedupe key makes extra calls harmless.
func (e Engine) TickCron(ctx context.Context, now time.Time) (TickResult, error) {
	enabled := true
	rules, err := e.Repo.ListRules(ctx, repo.RuleFilters{TriggerType: domain.TriggerCron, Enabled: &enabled})
	if err != nil {
		return TickResult{}, fmt.Errorf("load cron rules: %w", err)
	}
	var firings []firing
	for _, rule := range rules {
		if f, ok := e.cronFiring(rule, now); ok {
			firings = append(firings, f)
		}
	}
	return e.fire(ctx, firings, false)
}

func (e Engine) cronFiring(rule domain.ForgeRule, now time.Time) (firing, bool) {
	due, minute, err := cronDue(rule, now)
	if err != nil {
		e.logger().Warn("forge cron rule unusable", "rule_id", rule.ID, "err", err)
		return firing{}, false
	}
	if !due {
		return firing{}, false
	}
	payload := map[string]any{
		"cron":         str(rule.TriggerConfig, "cron"),
		"scheduledFor": minute.Format(time.RFC3339),
	}
	if tz := str(rule.TriggerConfig, "timezone"); tz != "" {
		payload["timezone"] = tz
	}
	return firing{rule: rule, dedupeKey: CronDedupeKey(rule.ID, minute), payload: payload}, true
}

// RunRule executes one rule now, regardless of its trigger.
func (e Engine) RunRule(ctx context.Context, userID, ruleID string, opts RunOptions) (RunResult, error) {
	rule, err := e.Repo.GetRule(ctx, nil, userID, ruleID)
	if err != nil {
		return RunResult{}, err
	}
	key := opts.DedupeKey
	if key == "" {
		key = "manual:" + uuid.NewString()
	}
	payload := map[string]any{}
	for k, v := range opts.Payload {
		payload[k] = v
	}
	payload["manual"] = true
	res, err := e.fire(ctx, []firing{{rule: rule, triggerType: domain.TriggerManual, dedupeKey: key, payload: payload}}, opts.DryRun)
	if err != nil {
		return RunResult{}, err
	}
	if len(res.Runs) == 0 {
		return RunResult{Skipped: true}, nil
	}
	run := res.Runs[0]
	return RunResult{Run: &run}, nil
}

// Ingest stores a normalized delivery's signal, links its events to it and
// runs a tick over them.
func (e Engine) Ingest(ctx context.Context, res normalize.Result) (domain.Signal, TickResult, error) {
	sig, err := e.Events.AppendOne(ctx, res.Signal)
	if err != nil {
		return domain.Signal{}, TickResult{}, fmt.Errorf("append signal: %w", err)
	}
	evts := make([]domain.ForgeEvent, len(res.Events))
	for i, evt := range res.Events {
		evt.SignalID = sig.ID
		if evt.UserID == "" {
			evt.UserID = sig.UserID
		}
		evts[i] = evt
	}
	tick, err := e.Tick(ctx, TickInput{UserID: sig.UserID, Events: evts})
	if err != nil {
		return sig, TickResult{}, err
	}
	return sig, tick, nil
}

func (e Engine) fire(ctx context.Context, firings []firing, dryRun bool) (TickResult, error) {
	var res TickResult
	for _, f := range firings {
		r, err := e.fireOne(ctx, f, dryRun)
		if err != nil {
			return res, err
		}
		res.merge(r)
	}
	return res, nil
}

func (e Engine) fireOne(ctx context.Context, f firing, dryRun bool) (TickResult, error) {
	res := TickResult{Matched: 1}
	if f.dedupeKey == "" {
		e.logger().Warn("forge event without dedupe key ignored", "rule_id", f.rule.ID)
		res.Skipped = 1
		return res, nil
	}
	key := f.dedupeKey
	if dryRun {
		key = dryRunPrefix + key
	}
	done, err := e.Repo.HasRun(ctx, f.rule.ID, key)
	if err != nil {
		return res, fmt.Errorf("check ledger: %w", err)
	}
	if done {
		res.Skipped = 1
		return res, nil
	}

	triggerType := f.triggerType
	if triggerType == "" {
		triggerType = f.rule.TriggerType
	}
	started := e.now().UTC()
	var (
		actionPayload map[string]any
		execErr       error
	)
	if dryRun {
		actionPayload = map[string]any{"dryRun": true, "simulated": true}
	} else {
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout(f.rule))
		actionPayload, execErr = e.Actions.Execute(actx, f.rule, f.payload)
		cancel()
	}
	finished := e.now().UTC()

	run := domain.ForgeRun{
		ID:             uuid.NewString(),
		UserID:         f.rule.UserID,
		RuleID:         f.rule.ID,
		TriggerType:    triggerType,
		TriggerPayload: f.payload,
		ActionType:     f.rule.ActionType,
		ActionPayload:  actionPayload,
		Status:         domain.RunSuccess,
		DedupeKey:      key,
		StartedAt:      started,
		FinishedAt:     finished,
		CreatedAt:      finished,
	}
	if execErr != nil {
		run.Status = domain.RunFailed
		run.Error = truncateRunes(execErr.Error(), maxErrorRunes)
	}
	recorded, err := e.Repo.RecordRun(ctx, nil, run)
	if err != nil {
		return res, fmt.Errorf("record run: %w", err)
	}
	if recorded == nil {
		// a concurrent tick recorded the same occurrence first
		res.Skipped = 1
		return res, nil
	}
	if run.Status == domain.RunFailed {
		res.Failed = 1
		e.logger().Warn("forge run failed", "rule_id", run.RuleID, "dedupe_key", run.DedupeKey, "err", run.Error)
	} else {
		res.Executed = 1
		e.logger().Info("forge run", "rule_id", run.RuleID, "dedupe_key", run.DedupeKey, "action", run.ActionType, "dry_run", dryRun)
	}
	res.Runs = append(res.Runs, *recorded)
	return res, nil
}

func (e Engine) actionTimeout(rule domain.ForgeRule) time.Duration {
	timeout := e.cfg().ActionTimeout()
	if rule.ActionType == domain.ActionRunScript {
		script := e.cfg().ScriptTimeout()
		if ms := intValue(rule.ActionConfig["timeoutMs"]); ms > 0 {
			script = time.Duration(ms) * time.Millisecond
		}
		// leave the script runner room to kill and drain before the outer deadline
		if script+5*time.Second > timeout {
			timeout = script + 5*time.Second
		}
	}
	return timeout
}

func eventPayload(evt domain.ForgeEvent) map[string]any {
	out := make(map[string]any, len(evt.Payload)+5)
	for k, v := range evt.Payload {
		out[k] = v
	}
	out["kind"] = evt.Kind
	if evt.Channel != "" {
		out["channel"] = evt.Channel
	}
	if evt.EventName != "" {
		out["eventName"] = evt.EventName
	}
	if evt.SignalID != "" {
		out["signalId"] = evt.SignalID
	}
	if !evt.OccurredAt.IsZero() {
		out["occurredAt"] = evt.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

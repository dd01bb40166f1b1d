package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/db"
	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/migrate"
	"forge/internal/normalize"
	"forge/internal/repo"
	"forge/internal/validate"
)

// Monday.
var t0 = time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return t0 }
	eng.Resolver.Getenv = func(string) string { return "" }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) rule(t *testing.T, trigger string, trigCfg map[string]any, action string, actCfg map[string]any) domain.ForgeRule {
	t.Helper()
	r, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		UserID: "u1", Name: trigger + " rule",
		TriggerType: trigger, TriggerConfig: trigCfg,
		ActionType: action, ActionConfig: actCfg,
	})
	require.NoError(t, err)
	return r
}

var console = map[string]any{"channel": "console", "message": "ping"}

func TestCreateRuleValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		UserID: "u1", Name: "bad", TriggerType: domain.TriggerCron, TriggerConfig: map[string]any{"cron": "* * *"},
		ActionType: domain.ActionSendNotification, ActionConfig: console,
	})
	require.Error(t, err)
	assert.True(t, validate.IsValidation(err))
	assert.Contains(t, err.Error(), "5 fields")

	r := env.rule(t, domain.TriggerCron, map[string]any{"cron": "0  9 * * 1-5"}, domain.ActionSendNotification, console)
	assert.Equal(t, "0 9 * * 1-5", r.TriggerConfig["cron"])
	assert.True(t, r.Enabled)
}

func TestWebhookEventExecutesOnce(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerWebhook, map[string]any{"channel": "telegram", "eventName": "message"}, domain.ActionSendNotification, console)

	raw := []byte(`{"update_id":77,"message":{"message_id":1,"chat":{"id":555},"text":"hi"}}`)
	res, err := normalize.Telegram{}.Normalize(raw, "u1", t0)
	require.NoError(t, err)

	sig, tick, err := env.Engine.Ingest(env.Ctx, res)
	require.NoError(t, err)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, 1, tick.Executed)
	require.Len(t, tick.Runs, 1)
	assert.Equal(t, "telegram:77", tick.Runs[0].DedupeKey)
	assert.Equal(t, sig.ID, tick.Runs[0].TriggerPayload["signalId"])

	_, tick, err = env.Engine.Ingest(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Matched)
	assert.Equal(t, 0, tick.Executed)
	assert.Equal(t, 1, tick.Skipped)

	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{RuleID: r.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	signals, err := env.Engine.Repo.ListSignals(env.Ctx, repo.SignalFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, signals, 2)
}

func TestChannelFilterDoesNotMatchOtherChannels(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.TriggerWebhook, map[string]any{"channel": "discord"}, domain.ActionSendNotification, console)
	res, err := normalize.Telegram{}.Normalize([]byte(`{"update_id":1,"message":{"chat":{"id":1},"text":"x"}}`), "u1", t0)
	require.NoError(t, err)
	_, tick, err := env.Engine.Ingest(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 0, tick.Matched)
}

func TestCronFiresOncePerMinute(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerCron, map[string]any{"cron": "0 9 * * 1-5"}, domain.ActionSendNotification, console)

	tick, err := env.Engine.TickCron(env.Ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Executed)
	require.Len(t, tick.Runs, 1)
	assert.Equal(t, engine.CronDedupeKey(r.ID, t0.Truncate(time.Minute)), tick.Runs[0].DedupeKey)

	tick, err = env.Engine.TickCron(env.Ctx, t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Skipped)

	tick, err = env.Engine.TickCron(env.Ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, tick.Matched)

	saturday := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)
	tick, err = env.Engine.TickCron(env.Ctx, saturday)
	require.NoError(t, err)
	assert.Equal(t, 0, tick.Matched)
}

func TestCronHonoursTimezoneAcrossDST(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.TriggerCron, map[string]any{"cron": "0 9 * * *", "timezone": "America/New_York"}, domain.ActionSendNotification, console)

	summer := time.Date(2026, 7, 1, 13, 0, 5, 0, time.UTC) // 09:00 EDT
	tick, err := env.Engine.TickCron(env.Ctx, summer)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Executed)

	tick, err = env.Engine.TickCron(env.Ctx, summer.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, tick.Matched)

	winter := time.Date(2026, 1, 15, 14, 0, 5, 0, time.UTC) // 09:00 EST
	tick, err = env.Engine.TickCron(env.Ctx, winter)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Executed)
}

func TestDryRunDoesNotBlockRealRun(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerManual, nil, domain.ActionSendNotification, console)

	dry, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "k1", DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, dry.Run)
	assert.Equal(t, "dry-run:k1", dry.Run.DedupeKey)
	assert.Equal(t, domain.RunSuccess, dry.Run.Status)
	assert.Equal(t, map[string]any{"dryRun": true, "simulated": true}, dry.Run.ActionPayload)

	real, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	require.NotNil(t, real.Run)
	assert.Equal(t, "k1", real.Run.DedupeKey)
	assert.Equal(t, domain.TriggerManual, real.Run.TriggerType)

	again, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Nil(t, again.Run)

	fresh, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, fresh.Run)
}

func TestFailedActionRecordsFailedRun(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerManual, nil, domain.ActionRunScript, map[string]any{"script": "echo boom >&2; exit 2"})

	res, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "fail-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Equal(t, domain.RunFailed, res.Run.Status)
	assert.Contains(t, res.Run.Error, "status 2")
	assert.Equal(t, "boom\n", res.Run.ActionPayload["stderr"])

	stored, err := env.Engine.GetRule(env.Ctx, "u1", r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)

	again, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "fail-1"})
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestSignalRuleMatchesProcess(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, domain.TriggerSignal, map[string]any{"source": "process", "match": "Code"}, domain.ActionLogToVault,
		map[string]any{"activityType": "coding", "durationMinutes": 25})

	res, err := normalize.Inbound{}.Normalize([]byte(`{"source":"process","type":"focus","dedupeKey":"proc:1","payload":{"name":"/usr/bin/code"}}`), "u1", t0)
	require.NoError(t, err)
	_, tick, err := env.Engine.Ingest(env.Ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Executed)

	entries, err := env.Engine.Repo.ListVaultEntries(env.Ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpdateRulePatchAndDisable(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerEvent, map[string]any{"eventName": "command:*"}, domain.ActionSendNotification, console)

	disabled := false
	name := "renamed"
	updated, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", Name: &name, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "command:*", updated.TriggerConfig["eventName"])

	evt := domain.ForgeEvent{UserID: "u1", Kind: domain.TriggerWebhook, Channel: "discord", EventName: "command:focus", DedupeKey: "discord:1"}
	tick, err := env.Engine.Tick(env.Ctx, engine.TickInput{UserID: "u1", Events: []domain.ForgeEvent{evt}})
	require.NoError(t, err)
	assert.Equal(t, 0, tick.Matched)

	enabled := true
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", Enabled: &enabled})
	require.NoError(t, err)
	tick, err = env.Engine.Tick(env.Ctx, engine.TickInput{UserID: "u1", Events: []domain.ForgeEvent{evt}})
	require.NoError(t, err)
	assert.Equal(t, 1, tick.Executed)

	badCron := domain.TriggerCron
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", TriggerType: &badCron})
	assert.True(t, validate.IsValidation(err))

	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u2", Name: &name})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteRule(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerManual, nil, domain.ActionSendNotification, console)
	_, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteRule(env.Ctx, "u1", r.ID))
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.ErrorIs(t, env.Engine.DeleteRule(env.Ctx, "u1", r.ID), repo.ErrNotFound)
}

func TestDisableRuleWhoseQuestCompleted(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Engine.Repo.InsertQuest(env.Ctx, domain.Quest{ID: "q1", UserID: "u1", Title: "Ship"}, t0))
	r := env.rule(t, domain.TriggerManual, nil, domain.ActionQueueQuest, map[string]any{"questId": "q1"})

	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE quests SET status='completed' WHERE id='q1'`)
	require.NoError(t, err)

	disabled := false
	updated, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "q1", updated.ActionConfig["questId"])

	name := "archived"
	updated, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "archived", updated.Name)

	// Touching the action config validates again.
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: r.ID, UserID: "u1", ActionConfig: map[string]any{"questId": "q1"}})
	assert.True(t, validate.IsValidation(err))
}

func TestConcurrentRunsShareOneLedgerRow(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, domain.TriggerManual, nil, domain.ActionSendNotification, console)

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ran     int
		skipped int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.RunRule(env.Ctx, "u1", r.ID, engine.RunOptions{DedupeKey: "k"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case res.Skipped:
				skipped++
			case res.Run != nil:
				ran++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, ran)
	assert.Equal(t, n-1, skipped)
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{UserID: "u1", RuleID: r.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

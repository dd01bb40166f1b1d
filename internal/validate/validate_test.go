package validate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
	"forge/internal/repo"
)

type fakeQuests map[string]domain.Quest

func (f fakeQuests) GetQuest(_ context.Context, userID, id string) (domain.Quest, error) {
	q, ok := f[id]
	if !ok || q.UserID != userID {
		return domain.Quest{}, repo.ErrNotFound
	}
	return q, nil
}

type fakeCreds struct{ err error }

func (f fakeCreds) CheckTelegram(context.Context, string, map[string]any) error { return f.err }
func (f fakeCreds) CheckWhatsApp(context.Context, string, map[string]any) error { return f.err }

func TestValidateIsTotal(t *testing.T) {
	configs := []map[string]any{
		nil,
		{},
		{"cron": 5, "source": []any{}, "channel": 1, "questId": map[string]any{}, "xp": "ten", "script": true, "durationMinutes": 1.5},
	}
	ctx := context.Background()
	for _, trig := range append(domain.TriggerTypes, "bogus", "") {
		for _, act := range append(domain.ActionTypes, "bogus", "") {
			for _, tc := range configs {
				for _, ac := range configs {
					assert.NotPanics(t, func() {
						_, err := Validate(ctx, Deps{}, "u1", trig, tc, act, ac)
						if err != nil {
							var ve *Error
							if assert.True(t, errors.As(err, &ve), "%s/%s: %v", trig, act, err) {
								assert.NotEmpty(t, ve.Message)
							}
						}
					})
				}
			}
		}
	}
}

func TestCronRequiresFiveFields(t *testing.T) {
	_, err := Trigger(domain.TriggerCron, map[string]any{"cron": "* * *"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 fields")
	assert.Contains(t, err.Error(), `"* * *"`)

	out, err := Trigger(domain.TriggerCron, map[string]any{"cron": "  0  9 *   * 1-5 ", "label": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1-5", out["cron"])
	assert.Equal(t, "kept", out["label"])
}

func TestCronRejectsBadFieldsAndZones(t *testing.T) {
	_, err := Trigger(domain.TriggerCron, map[string]any{"cron": "0 9 * * MON"})
	assert.True(t, IsValidation(err))
	_, err = Trigger(domain.TriggerCron, map[string]any{"cron": "99 9 * * *"})
	assert.True(t, IsValidation(err))
	_, err = Trigger(domain.TriggerCron, map[string]any{"cron": "0 9 * * *", "timezone": "Mars/Olympus"})
	assert.True(t, IsValidation(err))
	out, err := Trigger(domain.TriggerCron, map[string]any{"cron": "0 9 * * *", "timezone": "Europe/Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", out["timezone"])
}

func TestSignalTrigger(t *testing.T) {
	_, err := Trigger(domain.TriggerSignal, map[string]any{"source": "calendar"})
	assert.True(t, IsValidation(err))
	_, err = Trigger(domain.TriggerSignal, map[string]any{"source": "file"})
	assert.True(t, IsValidation(err))

	out, err := Trigger(domain.TriggerSignal, map[string]any{"source": "Process", "name": "code"})
	require.NoError(t, err)
	assert.Equal(t, "process", out["source"])
	assert.Equal(t, "contains", out["matchMode"])

	_, err = Trigger(domain.TriggerSignal, map[string]any{"source": "process", "match": "(", "matchMode": "regex"})
	assert.True(t, IsValidation(err))
}

func TestChannelTrigger(t *testing.T) {
	out, err := Trigger(domain.TriggerWebhook, map[string]any{"channel": "Telegram", "eventName": " message "})
	require.NoError(t, err)
	assert.Equal(t, "telegram", out["channel"])
	assert.Equal(t, "message", out["eventName"])
	_, err = Trigger(domain.TriggerEvent, map[string]any{"channel": "slack"})
	assert.True(t, IsValidation(err))
}

func TestQueueQuestLookups(t *testing.T) {
	deps := Deps{Quests: fakeQuests{
		"q1": {ID: "q1", UserID: "u1", Status: "available"},
		"q2": {ID: "q2", UserID: "u1", Status: "completed"},
	}}
	ctx := context.Background()
	_, err := Action(ctx, deps, "u1", domain.ActionQueueQuest, map[string]any{"questId": "q1"})
	assert.NoError(t, err)
	_, err = Action(ctx, deps, "u1", domain.ActionQueueQuest, map[string]any{"questId": "q2"})
	assert.ErrorContains(t, err, "completed")
	_, err = Action(ctx, deps, "u2", domain.ActionQueueQuest, map[string]any{"questId": "q1"})
	assert.ErrorContains(t, err, "not found")
}

func TestLogToVaultDefaults(t *testing.T) {
	out, err := Action(context.Background(), Deps{}, "u1", domain.ActionLogToVault, map[string]any{"activityType": "Coding", "durationMinutes": float64(25)})
	require.NoError(t, err)
	assert.Equal(t, "coding", out["activityType"])
	assert.Equal(t, "medium", out["difficulty"])
	assert.Equal(t, 25, out["durationMinutes"])

	_, err = Action(context.Background(), Deps{}, "u1", domain.ActionLogToVault, map[string]any{"activityType": "coding", "durationMinutes": 0})
	assert.True(t, IsValidation(err))
}

func TestSendNotification(t *testing.T) {
	ctx := context.Background()
	_, err := Action(ctx, Deps{}, "u1", domain.ActionSendNotification, map[string]any{"channel": "webhook", "message": "x", "url": "ftp://host"})
	assert.True(t, IsValidation(err))
	out, err := Action(ctx, Deps{}, "u1", domain.ActionSendNotification, map[string]any{"channel": "WEBHOOK", "message": " hi ", "url": "https://example.com/hook"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", out["channel"])
	assert.Equal(t, "hi", out["message"])

	credErr := &Error{Field: "actionConfig.botToken", Message: "no telegram bot token"}
	_, err = Action(ctx, Deps{Credentials: fakeCreds{err: credErr}}, "u1", domain.ActionSendNotification, map[string]any{"channel": "telegram", "message": "x"})
	assert.ErrorIs(t, err, credErr)
}

func TestRunScript(t *testing.T) {
	_, err := Action(context.Background(), Deps{}, "u1", domain.ActionRunScript, map[string]any{"script": "   "})
	assert.True(t, IsValidation(err))
	_, err = Action(context.Background(), Deps{}, "u1", domain.ActionRunScript, map[string]any{"script": "echo hi", "timeoutMs": -1})
	assert.True(t, IsValidation(err))
	out, err := Action(context.Background(), Deps{}, "u1", domain.ActionRunScript, map[string]any{"script": "echo hi", "timeoutMs": float64(500)})
	require.NoError(t, err)
	assert.Equal(t, 500, out["timeoutMs"])
}

func TestRunScriptTimeoutOutOfRange(t *testing.T) {
	for _, v := range []any{float64(9e18), int64(1) << 40} {
		_, err := Action(context.Background(), Deps{}, "u1", domain.ActionRunScript, map[string]any{"script": "echo hi", "timeoutMs": v})
		require.Error(t, err, "%v", v)
		var ve *Error
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "actionConfig.timeoutMs", ve.Field)
	}
	out, err := Action(context.Background(), Deps{}, "u1", domain.ActionRunScript, map[string]any{"script": "echo hi", "timeoutMs": float64(math.MaxInt32)})
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt32, out["timeoutMs"])
}

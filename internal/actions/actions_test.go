package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/db"
	"forge/internal/domain"
	"forge/internal/events"
	"forge/internal/migrate"
	"forge/internal/repo"
	"forge/internal/validate"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, events.Writer{DB: conn, Now: func() time.Time { return t0 }}
}

func noEnv(string) string { return "" }

func TestTelegramHTML(t *testing.T) {
	out := TelegramHTML("**done** with _care_ and `code` <script>alert(1)</script> [docs](https://example.com/a?b=1)")
	assert.Contains(t, out, "<b>done</b>")
	assert.Contains(t, out, "<i>care</i>")
	assert.Contains(t, out, "<code>code</code>")
	assert.Contains(t, out, `<a href="https://example.com/a?b=1">docs</a>`)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestChatIDFallbackFromSignals(t *testing.T) {
	r, w := newStore(t)
	ctx := context.Background()
	_, err := w.AppendOne(ctx, domain.Signal{
		UserID: "u1", Source: domain.SourceWebhook, Type: domain.SignalActivity, Confidence: 0.9,
		Payload: map[string]any{"channel": "telegram", "eventName": "message", "chatId": "555"},
	})
	require.NoError(t, err)

	res := &Resolver{Repo: r, Getenv: noEnv, Now: func() time.Time { return t0 }}
	target, err := res.Telegram(ctx, "u1", map[string]any{"botToken": "tok"})
	require.NoError(t, err)
	assert.Equal(t, "555", target.ChatID)

	settings, err := r.GetIntegrationSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "555", settings.TelegramChatID)
}

func TestChatIDFromGetUpdates(t *testing.T) {
	r, _ := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/bottok/getUpdates", req.URL.Path)
		w.Write([]byte(`{"ok":true,"result":[{"message":{"chat":{"id":111}}},{"message":{"chat":{"id":-100777}}}]}`))
	}))
	defer srv.Close()

	res := &Resolver{Repo: r, Getenv: noEnv, TelegramAPI: srv.URL}
	target, err := res.Telegram(context.Background(), "u1", map[string]any{"botToken": "tok"})
	require.NoError(t, err)
	assert.Equal(t, "-100777", target.ChatID)
}

func TestChatIDWebhookConflict(t *testing.T) {
	r, _ := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"ok":false,"error_code":409,"description":"Conflict: can't use getUpdates method while webhook is active"}`))
	}))
	defer srv.Close()

	res := &Resolver{Repo: r, Getenv: noEnv, TelegramAPI: srv.URL}
	_, err := res.Telegram(context.Background(), "u1", map[string]any{"botToken": "tok"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWebhookConflict)
	assert.NotContains(t, err.Error(), "tok")
}

func TestTelegramPrecedence(t *testing.T) {
	r, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertIntegrationSettings(ctx, "u1", domain.IntegrationSettings{TelegramBotToken: "install", TelegramChatID: "1"}, t0))
	env := map[string]string{"TELEGRAM_BOT_TOKEN": "env", "TELEGRAM_CHAT_ID": "2"}
	res := &Resolver{Repo: r, Getenv: func(k string) string { return env[k] }}

	target, err := res.Telegram(ctx, "u1", map[string]any{"botToken": "call"})
	require.NoError(t, err)
	assert.Equal(t, TelegramTarget{Token: "call", ChatID: "1"}, target)

	target, err = res.Telegram(ctx, "u2", nil)
	require.NoError(t, err)
	assert.Equal(t, TelegramTarget{Token: "env", ChatID: "2"}, target)

	_, err = (&Resolver{Repo: r, Getenv: noEnv}).Telegram(ctx, "u3", nil)
	assert.True(t, validate.IsValidation(err))
}

func TestSendTelegramNotification(t *testing.T) {
	r, _ := newStore(t)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/botsecret-token/sendMessage", req.URL.Path)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	x := &Executor{Resolver: &Resolver{Repo: r, Getenv: noEnv, TelegramAPI: srv.URL}}
	rule := domain.ForgeRule{ID: "r1", UserID: "u1", ActionType: domain.ActionSendNotification, ActionConfig: map[string]any{
		"channel": "telegram", "message": "**standup** time", "botToken": "secret-token", "chatId": "555",
	}}
	out, err := x.Execute(context.Background(), rule, nil)
	require.NoError(t, err)
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>standup</b> time", got["text"])
	assert.Equal(t, "42", out["messageId"])

	data, _ := json.Marshal(out)
	assert.NotContains(t, string(data), "secret-token")
}

func TestSendWhatsAppNotification(t *testing.T) {
	r, _ := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/pn1/messages", req.URL.Path)
		assert.Equal(t, "Bearer wa-token", req.Header.Get("Authorization"))
		body, _ := io.ReadAll(req.Body)
		assert.Contains(t, string(body), `"to":"4915550001"`)
		w.Write([]byte(`{"messages":[{"id":"wamid.X"}]}`))
	}))
	defer srv.Close()

	x := &Executor{Resolver: &Resolver{Repo: r, Getenv: noEnv}, WhatsAppAPI: srv.URL}
	rule := domain.ForgeRule{ID: "r1", UserID: "u1", ActionType: domain.ActionSendNotification, ActionConfig: map[string]any{
		"channel": "whatsapp", "message": "hi", "accessToken": "wa-token", "phoneNumberId": "pn1", "to": "4915550001",
	}}
	out, err := x.Execute(context.Background(), rule, nil)
	require.NoError(t, err)
	assert.Equal(t, "wamid.X", out["messageId"])
}

func TestWebhookUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	x := &Executor{}
	rule := domain.ForgeRule{ID: "r1", UserID: "u1", ActionType: domain.ActionSendNotification, ActionConfig: map[string]any{
		"channel": "webhook", "message": "hi", "url": srv.URL,
	}}
	out, err := x.Execute(context.Background(), rule, map[string]any{"eventName": "message"})
	var up *UpstreamError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusBadGateway, up.Status)
	assert.LessOrEqual(t, len(up.Hint), errorBodyLimit)
	assert.Equal(t, http.StatusBadGateway, out["status"])
}

func TestRunScriptCapturesOutput(t *testing.T) {
	res, err := RunScript(context.Background(), ScriptConfig{}, "echo out; echo err >&2", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunScriptCapsOutput(t *testing.T) {
	res, err := RunScript(context.Background(), ScriptConfig{}, "dd if=/dev/zero bs=1024 count=200 2>/dev/null", "", 0)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, DefaultScriptOutputCap)
	assert.True(t, res.StdoutTruncated)
	assert.False(t, res.StderrTruncated)
}

func TestRunScriptTimeoutKillsGroup(t *testing.T) {
	start := time.Now()
	res, err := RunScript(context.Background(), ScriptConfig{}, "sleep 10 & sleep 10", "", 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunScriptExitStatus(t *testing.T) {
	res, err := RunScript(context.Background(), ScriptConfig{}, "echo partial; exit 3", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestGamificationActions(t *testing.T) {
	r, w := newStore(t)
	ctx := context.Background()
	require.NoError(t, r.InsertQuest(ctx, domain.Quest{ID: "q1", UserID: "u1", Title: "Ship"}, t0))
	require.NoError(t, r.InsertSkill(ctx, domain.Skill{ID: "s1", UserID: "u1", Name: "Go"}, t0))
	x := &Executor{Store: r, Signals: w, Now: func() time.Time { return t0 }}

	out, err := x.Execute(ctx, domain.ForgeRule{UserID: "u1", ActionType: domain.ActionQueueQuest, ActionConfig: map[string]any{"questId": "q1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "queued", out["status"])

	out, err = x.Execute(ctx, domain.ForgeRule{UserID: "u1", ActionType: domain.ActionUpdateSkill, ActionConfig: map[string]any{"skillId": "s1", "xp": float64(150)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["level"])

	out, err = x.Execute(ctx, domain.ForgeRule{UserID: "u1", ActionType: domain.ActionLogToVault, ActionConfig: map[string]any{"activityType": "coding", "durationMinutes": 30}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "medium", out["difficulty"])

	out, err = x.Execute(ctx, domain.ForgeRule{ID: "r9", UserID: "u1", ActionType: domain.ActionTriggerCompanion, ActionConfig: map[string]any{"message": "nice work"}}, nil)
	require.NoError(t, err)
	sig, err := r.GetSignal(ctx, nil, out["signalId"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCompanion, sig.Source)
	assert.Equal(t, "nice work", sig.Payload["message"])
}

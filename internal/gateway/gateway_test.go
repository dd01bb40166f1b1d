package gateway_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/db"
	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/gateway"
	"forge/internal/migrate"
	"forge/internal/repo"
	"forge/internal/signature"
)

type fixture struct {
	srv     *httptest.Server
	gw      *gateway.Gateway
	engine  engine.Engine
	cfg     *config.Config
	private ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Gateway.SharedSecret = "shared"
	cfg.Gateway.TelegramSecretToken = "tg-token"
	cfg.Gateway.DiscordPublicKey = hex.EncodeToString(pub)
	cfg.Gateway.WhatsAppAppSecret = "wa-secret"
	cfg.Gateway.WhatsAppVerifyToken = "verify-me"
	cfg.Gateway.MaxBodyBytes = 4096

	eng := engine.New(conn, cfg)
	gw := gateway.New(eng, cfg, nil)
	r := chi.NewRouter()
	gw.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, gw: gw, engine: eng, cfg: cfg, private: priv}
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (f *fixture) signDiscord(body []byte) map[string]string {
	ts := "1767225600"
	sig := ed25519.Sign(f.private, append([]byte(ts), body...))
	return map[string]string{
		"X-Signature-Ed25519":   hex.EncodeToString(sig),
		"X-Signature-Timestamp": ts,
	}
}

func (f *fixture) signals(t *testing.T) []domain.Signal {
	t.Helper()
	items, err := f.engine.Repo.ListSignals(context.Background(), repo.SignalFilters{})
	require.NoError(t, err)
	return items
}

func (f *fixture) webhookRule(t *testing.T, trigger map[string]any) domain.ForgeRule {
	t.Helper()
	r, err := f.engine.CreateRule(context.Background(), engine.RuleCreateOptions{
		UserID: f.cfg.Gateway.UserID, Name: "hook", TriggerType: domain.TriggerWebhook, TriggerConfig: trigger,
		ActionType: domain.ActionSendNotification, ActionConfig: map[string]any{"channel": "console", "message": "got it"},
	})
	require.NoError(t, err)
	return r
}

type replyBody struct {
	OK       bool               `json:"ok"`
	SignalID string             `json:"signalId"`
	Error    string             `json:"error"`
	Tick     *engine.TickResult `json:"tick"`
}

func decodeReply(t *testing.T, data []byte) replyBody {
	t.Helper()
	var out replyBody
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestDiscordTamperedSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"9001","type":3,"data":{"custom_id":"done"}}`)
	headers := f.signDiscord(body)
	tampered := []byte(`{"id":"9001","type":3,"data":{"custom_id":"drop"}}`)

	res, data := f.post(t, f.cfg.Gateway.DiscordPath, tampered, headers)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.False(t, decodeReply(t, data).OK)

	f.gw.Wait()
	assert.Empty(t, f.signals(t))
}

func TestDiscordPing(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"1","type":1}`)
	res, data := f.post(t, f.cfg.Gateway.DiscordPath, body, f.signDiscord(body))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"type":1}`, string(data))
	f.gw.Wait()
	assert.Empty(t, f.signals(t))
}

func TestDiscordComponentAcksThenIngests(t *testing.T) {
	f := newFixture(t)
	rule := f.webhookRule(t, map[string]any{"channel": "discord", "eventName": "component:*"})

	body := []byte(`{"id":"9001","type":3,"channel_id":"c1","data":{"custom_id":"done_btn"},"member":{"user":{"id":"42","username":"ana"}}}`)
	res, data := f.post(t, f.cfg.Gateway.DiscordPath, body, f.signDiscord(body))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"type":6}`, string(data))

	f.gw.Wait()
	signals := f.signals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, "component:done_btn", signals[0].Payload["eventName"])

	runs, err := f.engine.Repo.ListRuns(context.Background(), repo.RunFilters{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "discord:9001", runs[0].DedupeKey)
}

func TestDiscordCommandDefers(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"id":"77","type":2,"data":{"name":"focus"},"user":{"id":"42"}}`)
	res, data := f.post(t, f.cfg.Gateway.DiscordPath, body, f.signDiscord(body))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"type":5}`, string(data))
	f.gw.Wait()
	assert.Len(t, f.signals(t), 1)
}

func TestWhatsAppHandshake(t *testing.T) {
	f := newFixture(t)
	url := f.srv.URL + f.cfg.Gateway.WhatsAppPath + "?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444"
	res, err := f.srv.Client().Get(url)
	require.NoError(t, err)
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "1158201444", string(data))

	res, err = f.srv.Client().Get(strings.Replace(url, "verify-me", "nope", 1))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestWhatsAppSignedDelivery(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"entry":[{"changes":[{"value":{"messages":[
		{"id":"wamid.1","from":"4915","timestamp":"1767225600","type":"text","text":{"body":"hi"}},
		{"id":"wamid.2","from":"4915","timestamp":"1767225601","type":"text","text":{"body":"again"}}],
		"statuses":[{"id":"wamid.0","status":"read","timestamp":"1767225602"}]}}]}]}`)

	res, _ := f.post(t, f.cfg.Gateway.WhatsAppPath, body, map[string]string{"X-Hub-Signature-256": "sha256=00"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	rule := f.webhookRule(t, map[string]any{"channel": "whatsapp"})
	res, data := f.post(t, f.cfg.Gateway.WhatsAppPath, body, map[string]string{
		"X-Hub-Signature-256": signature.SignHMACSHA256("wa-secret", body),
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	out := decodeReply(t, data)
	assert.True(t, out.OK)
	assert.NotEmpty(t, out.SignalID)

	f.gw.Wait()
	signals := f.signals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, out.SignalID, signals[0].ID)
	runs, err := f.engine.Repo.ListRuns(context.Background(), repo.RunFilters{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestInboundAuth(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"type":"focus","source":"manual","eventName":"deep-work"}`)

	res, data := f.post(t, f.cfg.Gateway.InboundPath, body, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeReply(t, data).Error)

	res, data = f.post(t, f.cfg.Gateway.InboundPath, body, map[string]string{gateway.SecretHeader: "shared"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	out := decodeReply(t, data)
	assert.True(t, out.OK)
	require.NotNil(t, out.Tick)

	token, err := signature.SignBearer("jwt-secret", "u-jwt", time.Hour, time.Now())
	require.NoError(t, err)
	res, data = f.post(t, f.cfg.Gateway.InboundPath, body, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode)
	sigID := decodeReply(t, data).SignalID

	sig, err := f.engine.Repo.GetSignal(context.Background(), nil, sigID)
	require.NoError(t, err)
	assert.Equal(t, "u-jwt", sig.UserID)

	res, _ = f.post(t, f.cfg.Gateway.InboundPath, body, map[string]string{"Authorization": "Bearer shared"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTelegramDuplicateDeliverySkipped(t *testing.T) {
	f := newFixture(t)
	f.webhookRule(t, map[string]any{"channel": "telegram", "eventName": "message"})
	body := []byte(`{"update_id":501,"message":{"message_id":3,"date":1767225600,"chat":{"id":555},"from":{"id":555,"username":"ana"},"text":"start"}}`)
	headers := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-token"}

	res, data := f.post(t, f.cfg.Gateway.TelegramPath, body, headers)
	require.Equal(t, http.StatusOK, res.StatusCode)
	first := decodeReply(t, data)
	require.NotNil(t, first.Tick)
	assert.Equal(t, 1, first.Tick.Executed)

	res, data = f.post(t, f.cfg.Gateway.TelegramPath, body, headers)
	require.Equal(t, http.StatusOK, res.StatusCode)
	second := decodeReply(t, data)
	assert.Equal(t, 0, second.Tick.Executed)
	assert.Equal(t, 1, second.Tick.Skipped)

	res, _ = f.post(t, f.cfg.Gateway.TelegramPath, body, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestInvalidAndOversizedPayloads(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{gateway.SecretHeader: "shared"}

	res, data := f.post(t, f.cfg.Gateway.InboundPath, []byte(`{not json`), headers)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.JSONEq(t, `{"ok":false,"error":"invalid payload"}`, string(data))

	big := []byte(`{"payload":{"blob":"` + strings.Repeat("x", 8192) + `"}}`)
	res, _ = f.post(t, f.cfg.Gateway.InboundPath, big, headers)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	assert.Empty(t, f.signals(t))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	res, err := f.srv.Client().Get(f.srv.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

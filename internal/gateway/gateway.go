// Package gateway serves the inbound webhook routes: one authenticated path
// per chat channel plus a generic inbound path. Each request is verified
// against its raw body, normalized and handed to the engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/normalize"
	"forge/internal/redact"
	"forge/internal/signature"
)

const defaultMaxBody = 1 << 20

// Ingester stores a normalized delivery and runs the engine over it.
type Ingester interface {
	Ingest(ctx context.Context, res normalize.Result) (domain.Signal, engine.TickResult, error)
}

// Gateway holds the per-channel handlers. It is safe for concurrent use.
type Gateway struct {
	ingest       Ingester
	cfg          config.GatewayConfig
	asyncTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	inbound  inboundChannel
	telegram telegramChannel
	discord  discordChannel
	whatsApp whatsAppChannel

	inflight sync.WaitGroup
}

type reply struct {
	OK       bool               `json:"ok"`
	SignalID string             `json:"signalId,omitempty"`
	Tick     *engine.TickResult `json:"tick,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// New builds a gateway from cfg. Chat deliveries are attributed to
// cfg.Gateway.UserID.
func New(ing Ingester, cfg *config.Config, logger *slog.Logger) *Gateway {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	gc := cfg.Gateway
	g := &Gateway{
		ingest:       ing,
		cfg:          gc,
		asyncTimeout: cfg.AsyncTimeout(),
		logger:       logger,
		now:          time.Now,
		inbound:      inboundChannel{sharedSecret: gc.SharedSecret, jwtSecret: cfg.Auth.JWTSecret},
		telegram:     telegramChannel{secretToken: gc.TelegramSecretToken, sharedSecret: gc.SharedSecret},
		discord:      discordChannel{publicKey: gc.DiscordPublicKey},
		whatsApp:     whatsAppChannel{appSecret: gc.WhatsAppAppSecret},
	}
	if gc.WhatsAppAppSecret == "" {
		logger.Warn("forge gateway: whatsapp app secret not set, signature check disabled", "path", gc.WhatsAppPath)
	}
	if gc.DiscordPublicKey == "" {
		logger.Warn("forge gateway: discord public key not set, interactions will be rejected", "path", gc.DiscordPath)
	}
	if gc.SharedSecret == "" && cfg.Auth.JWTSecret == "" {
		logger.Warn("forge gateway: no shared secret or jwt secret, inbound route will reject everything", "path", gc.InboundPath)
	}
	return g
}

// Routes mounts the gateway on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/health", g.handleHealth)
	r.Post(g.cfg.InboundPath, g.handleSync(g.inbound))
	r.Post(g.cfg.TelegramPath, g.handleSync(g.telegram))
	r.Post(g.cfg.DiscordPath, g.handleDiscord)
	r.Get(g.cfg.WhatsAppPath, g.handleWhatsAppVerify)
	r.Post(g.cfg.WhatsAppPath, g.handleWhatsApp)
}

// Wait blocks until all deferred ingestion has finished.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleSync(ch Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := g.readBody(w, r)
		if !ok {
			return
		}
		userID, ok := g.authenticate(w, r, ch, body)
		if !ok {
			return
		}
		res, ok := g.normalize(w, ch, body, userID)
		if !ok {
			return
		}
		sig, tick, err := g.ingest.Ingest(r.Context(), res)
		if err != nil {
			g.logger.Error("forge webhook ingest failed", "channel", ch.Name(), "err", err)
			writeJSON(w, http.StatusInternalServerError, reply{Error: "internal error"})
			return
		}
		g.logger.Info("forge webhook", "channel", ch.Name(), "signal_id", sig.ID, "matched", tick.Matched, "executed", tick.Executed)
		tick.Runs = redact.Runs(tick.Runs)
		writeJSON(w, http.StatusOK, reply{OK: true, SignalID: sig.ID, Tick: &tick})
	}
}

// handleDiscord answers within Discord's response budget and defers the
// pipeline. Pings and autocomplete requests never reach the engine.
func (g *Gateway) handleDiscord(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	userID, ok := g.authenticate(w, r, g.discord, body)
	if !ok {
		return
	}
	typ, err := normalize.DiscordInteractionType(body)
	if err != nil {
		g.logger.Debug("forge discord payload rejected", "err", err)
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid payload"})
		return
	}
	resp := normalize.DiscordResponse(typ)
	if typ == normalize.DiscordPing || typ == normalize.DiscordAutocomplete {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	res, ok := g.normalize(w, g.discord, body, userID)
	if !ok {
		return
	}
	res.Signal.ID = uuid.NewString()
	writeJSON(w, http.StatusOK, resp)
	g.ingestAsync(g.discord.Name(), res)
}

func (g *Gateway) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || signature.SharedSecret(q.Get("hub.verify_token"), g.cfg.WhatsAppVerifyToken) != nil {
		writeJSON(w, http.StatusForbidden, reply{Error: "verification failed"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// handleWhatsApp acknowledges before ingesting so Meta does not retry a slow
// delivery.
func (g *Gateway) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	body, ok := g.readBody(w, r)
	if !ok {
		return
	}
	if g.whatsApp.appSecret == "" {
		g.logger.Debug("forge whatsapp delivery accepted, signature check disabled")
	}
	userID, ok := g.authenticate(w, r, g.whatsApp, body)
	if !ok {
		return
	}
	res, ok := g.normalize(w, g.whatsApp, body, userID)
	if !ok {
		return
	}
	res.Signal.ID = uuid.NewString()
	writeJSON(w, http.StatusOK, reply{OK: true, SignalID: res.Signal.ID})
	g.ingestAsync(g.whatsApp.Name(), res)
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := g.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, reply{Error: "payload too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid payload"})
		return nil, false
	}
	return body, true
}

func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, ch Channel, body []byte) (string, bool) {
	userID, err := ch.Verify(r.Header, body)
	if err != nil {
		g.logger.Warn("forge webhook rejected", "channel", ch.Name(), "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, reply{Error: "unauthorized"})
		return "", false
	}
	if userID == "" {
		userID = g.cfg.UserID
	}
	return userID, true
}

func (g *Gateway) normalize(w http.ResponseWriter, ch Channel, body []byte, userID string) (normalize.Result, bool) {
	res, err := ch.Normalize(body, userID, g.now())
	if err != nil {
		g.logger.Debug("forge webhook payload rejected", "channel", ch.Name(), "err", err)
		writeJSON(w, http.StatusBadRequest, reply{Error: "invalid payload"})
		return normalize.Result{}, false
	}
	return res, true
}

// ingestAsync runs the pipeline after the response is written. Its failures
// are logged and never reach the caller.
func (g *Gateway) ingestAsync(channel string, res normalize.Result) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				g.logger.Error("forge deferred ingest panicked", "channel", channel, "panic", p)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), g.asyncTimeout)
		defer cancel()
		sig, tick, err := g.ingest.Ingest(ctx, res)
		if err != nil {
			g.logger.Error("forge deferred ingest failed", "channel", channel, "signal_id", res.Signal.ID, "err", err)
			return
		}
		g.logger.Info("forge webhook", "channel", channel, "signal_id", sig.ID, "matched", tick.Matched, "executed", tick.Executed)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"forge/internal/domain"
	"forge/internal/repo"
	"forge/internal/validate"
)

const (
	DefaultTelegramAPI = "https://api.telegram.org"
	DefaultWhatsAppAPI = "https://graph.facebook.com/v21.0"

	// chatScanDepth bounds how many recent webhook signals are searched for a
	// Telegram chat id.
	chatScanDepth = 100
)

// TelegramTarget is a resolved Telegram destination.
type TelegramTarget struct {
	Token  string
	ChatID string
}

// WhatsAppTarget is a resolved WhatsApp Cloud API destination.
type WhatsAppTarget struct {
	AccessToken   string
	PhoneNumberID string
	To            string
}

// Resolver resolves delivery credentials and recipients with the precedence
// per-call config, then installation settings, then environment. It is safe
// for concurrent use.
type Resolver struct {
	Repo        repo.Repo
	HTTP        *http.Client
	TelegramAPI string
	Getenv      func(string) string
	Logger      *slog.Logger
	Now         func() time.Time

	mu      sync.Mutex
	chatIDs map[string]string
}

func (r *Resolver) getenv(key string) string {
	if r.Getenv != nil {
		return r.Getenv(key)
	}
	return os.Getenv(key)
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) client() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Resolver) telegramAPI() string {
	if r.TelegramAPI != "" {
		return strings.TrimRight(r.TelegramAPI, "/")
	}
	return DefaultTelegramAPI
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Telegram resolves the bot token and chat id for one delivery.
func (r *Resolver) Telegram(ctx context.Context, userID string, cfg map[string]any) (TelegramTarget, error) {
	settings, err := r.Repo.GetIntegrationSettings(ctx, userID)
	if err != nil {
		return TelegramTarget{}, fmt.Errorf("read integration settings: %w", err)
	}
	token := firstNonEmpty(stringField(cfg, "botToken"), stringField(cfg, "token"), settings.TelegramBotToken, r.getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return TelegramTarget{}, &validate.Error{
			Field:   "actionConfig.botToken",
			Message: "no Telegram bot token: set botToken on the rule, telegramBotToken in integration settings, or TELEGRAM_BOT_TOKEN",
		}
	}
	chatID := firstNonEmpty(stringField(cfg, "chatId"), settings.TelegramChatID, r.getenv("TELEGRAM_CHAT_ID"))
	if chatID == "" {
		chatID, err = r.discoverChatID(ctx, userID, token)
		if err != nil {
			return TelegramTarget{}, err
		}
	}
	return TelegramTarget{Token: token, ChatID: chatID}, nil
}

// WhatsApp resolves the access token, sender phone number id and recipient.
func (r *Resolver) WhatsApp(ctx context.Context, userID string, cfg map[string]any) (WhatsAppTarget, error) {
	settings, err := r.Repo.GetIntegrationSettings(ctx, userID)
	if err != nil {
		return WhatsAppTarget{}, fmt.Errorf("read integration settings: %w", err)
	}
	t := WhatsAppTarget{
		AccessToken:   firstNonEmpty(stringField(cfg, "accessToken"), settings.WhatsAppAccessToken, r.getenv("WHATSAPP_ACCESS_TOKEN")),
		PhoneNumberID: firstNonEmpty(stringField(cfg, "phoneNumberId"), settings.WhatsAppPhoneNumberID, r.getenv("WHATSAPP_PHONE_NUMBER_ID")),
		To:            firstNonEmpty(stringField(cfg, "to"), settings.WhatsAppTo, r.getenv("WHATSAPP_TO")),
	}
	switch {
	case t.AccessToken == "":
		return t, &validate.Error{Field: "actionConfig.accessToken", Message: "no WhatsApp access token: set accessToken on the rule, whatsAppAccessToken in integration settings, or WHATSAPP_ACCESS_TOKEN"}
	case t.PhoneNumberID == "":
		return t, &validate.Error{Field: "actionConfig.phoneNumberId", Message: "no WhatsApp phone number id: set phoneNumberId on the rule, whatsAppPhoneNumberId in integration settings, or WHATSAPP_PHONE_NUMBER_ID"}
	case t.To == "":
		return t, &validate.Error{Field: "actionConfig.to", Message: "no WhatsApp recipient: set to on the rule, whatsAppTo in integration settings, or WHATSAPP_TO"}
	}
	return t, nil
}

func (r *Resolver) CheckTelegram(ctx context.Context, userID string, cfg map[string]any) error {
	_, err := r.Telegram(ctx, userID, cfg)
	return err
}

func (r *Resolver) CheckWhatsApp(ctx context.Context, userID string, cfg map[string]any) error {
	_, err := r.WhatsApp(ctx, userID, cfg)
	return err
}

// discoverChatID walks the fallback chain: in-process cache, a fresh read of
// the settings (another process may have learned it), recent Telegram webhook
// signals, and finally the Bot API's pending updates. A found id is cached
// and persisted.
func (r *Resolver) discoverChatID(ctx context.Context, userID, token string) (string, error) {
	r.mu.Lock()
	cached := r.chatIDs[userID]
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	settings, err := r.Repo.GetIntegrationSettings(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("read integration settings: %w", err)
	}
	if settings.TelegramChatID != "" {
		r.remember(userID, settings.TelegramChatID)
		return settings.TelegramChatID, nil
	}

	chatID, err := r.chatIDFromSignals(ctx, userID)
	if err != nil {
		return "", err
	}
	source := "signals"
	if chatID == "" {
		chatID, err = r.chatIDFromUpdates(ctx, token)
		if err != nil {
			return "", err
		}
		source = "getUpdates"
	}
	if chatID == "" {
		return "", &validate.Error{
			Field:   "actionConfig.chatId",
			Message: "no Telegram chat id known: send the bot a message first, or set chatId on the rule",
		}
	}

	settings.TelegramChatID = chatID
	if err := r.Repo.UpsertIntegrationSettings(ctx, userID, settings, r.now()); err != nil {
		return "", fmt.Errorf("persist telegram chat id: %w", err)
	}
	r.remember(userID, chatID)
	r.logger().Info("telegram chat id discovered", "user_id", userID, "from", source)
	return chatID, nil
}

func (r *Resolver) remember(userID, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chatIDs == nil {
		r.chatIDs = map[string]string{}
	}
	r.chatIDs[userID] = chatID
}

func (r *Resolver) chatIDFromSignals(ctx context.Context, userID string) (string, error) {
	signals, err := r.Repo.ListSignals(ctx, repo.SignalFilters{UserID: userID, Source: domain.SourceWebhook, Limit: chatScanDepth})
	if err != nil {
		return "", fmt.Errorf("scan webhook signals: %w", err)
	}
	for _, s := range signals {
		if stringField(s.Payload, "channel") != domain.ChannelTelegram {
			continue
		}
		if id := stringField(s.Payload, "chatId"); id != "" {
			return id, nil
		}
	}
	return "", nil
}

type telegramUpdates struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      []struct {
		Message *struct {
			Chat struct {
				ID json.Number `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		CallbackQuery *struct {
			Message *struct {
				Chat struct {
					ID json.Number `json:"id"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"callback_query"`
	} `json:"result"`
}

// chatIDFromUpdates asks the Bot API for pending updates and returns the most
// recent chat id. It fails with ErrWebhookConflict when a webhook is set.
func (r *Resolver) chatIDFromUpdates(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.telegramAPI()+"/bot"+token+"/getUpdates?limit=100", nil)
	if err != nil {
		return "", errors.New("build telegram getUpdates request")
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", &UpstreamError{Service: "telegram", Err: scrubURL(err), Hint: scrubURL(err).Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusConflict {
		return "", &UpstreamError{Service: "telegram", Status: resp.StatusCode, Hint: ErrWebhookConflict.Error(), Err: ErrWebhookConflict}
	}
	var parsed telegramUpdates
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode >= 300 || !parsed.OK {
		return "", &UpstreamError{Service: "telegram", Status: resp.StatusCode, Hint: parsed.Description}
	}
	for i := len(parsed.Result) - 1; i >= 0; i-- {
		u := parsed.Result[i]
		if u.Message != nil && u.Message.Chat.ID != "" {
			return u.Message.Chat.ID.String(), nil
		}
		if u.CallbackQuery != nil && u.CallbackQuery.Message != nil && u.CallbackQuery.Message.Chat.ID != "" {
			return u.CallbackQuery.Message.Chat.ID.String(), nil
		}
	}
	return "", nil
}

// stringField reads a string-ish value; numbers are rendered without
// exponent so large ids survive.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

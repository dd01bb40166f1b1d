package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"forge/internal/domain"
)

// errorBodyLimit caps how much of a failed upstream response is kept.
const errorBodyLimit = 4096

func (x *Executor) sendNotification(ctx context.Context, rule domain.ForgeRule, trigger map[string]any) (map[string]any, error) {
	cfg := rule.ActionConfig
	channel := stringField(cfg, "channel")
	message := stringField(cfg, "message")
	out := map[string]any{"channel": channel}

	switch channel {
	case "console":
		x.logger().Info("forge notification", "rule_id", rule.ID, "rule", rule.Name, "message", message)
	case "webhook":
		url := stringField(cfg, "url")
		body := map[string]any{
			"ruleId":   rule.ID,
			"ruleName": rule.Name,
			"message":  message,
			"trigger":  trigger,
			"sentAt":   x.now().UTC(),
		}
		status, err := x.postJSON(ctx, "webhook", url, nil, body, nil)
		out["status"] = status
		if err != nil {
			return out, err
		}
	case "telegram":
		target, err := x.Resolver.Telegram(ctx, rule.UserID, cfg)
		if err != nil {
			return out, err
		}
		out["chatId"] = target.ChatID
		var resp struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
			Result      struct {
				MessageID json.Number `json:"message_id"`
			} `json:"result"`
		}
		_, err = x.postJSON(ctx, "telegram", x.Resolver.telegramAPI()+"/bot"+target.Token+"/sendMessage", nil, map[string]any{
			"chat_id":    target.ChatID,
			"text":       TelegramHTML(message),
			"parse_mode": "HTML",
		}, &resp)
		if err != nil {
			return out, err
		}
		if resp.Result.MessageID != "" {
			out["messageId"] = resp.Result.MessageID.String()
		}
	case "whatsapp":
		target, err := x.Resolver.WhatsApp(ctx, rule.UserID, cfg)
		if err != nil {
			return out, err
		}
		out["to"] = target.To
		var resp struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		headers := map[string]string{"Authorization": "Bearer " + target.AccessToken}
		_, err = x.postJSON(ctx, "whatsapp", x.whatsAppAPI()+"/"+target.PhoneNumberID+"/messages", headers, map[string]any{
			"messaging_product": "whatsapp",
			"to":                target.To,
			"type":              "text",
			"text":              map[string]any{"body": message},
		}, &resp)
		if err != nil {
			return out, err
		}
		if len(resp.Messages) > 0 {
			out["messageId"] = resp.Messages[0].ID
		}
	default:
		return out, fmt.Errorf("unsupported notification channel %q", channel)
	}
	out["delivered"] = true
	return out, nil
}

func (x *Executor) whatsAppAPI() string {
	if x.WhatsAppAPI != "" {
		return strings.TrimRight(x.WhatsAppAPI, "/")
	}
	return DefaultWhatsAppAPI
}

// postJSON sends body as JSON and decodes a 2xx reply into out when non-nil.
// Failures never include the URL, which may embed a token.
func (x *Executor) postJSON(ctx context.Context, service, url string, headers map[string]string, body any, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build %s request", service)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "forge")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := x.client().Do(req)
	if err != nil {
		err = scrubURL(err)
		return 0, &UpstreamError{Service: service, Hint: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return resp.StatusCode, &UpstreamError{Service: service, Status: resp.StatusCode, Hint: upstreamHint(data)}
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", service, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	}
	return resp.StatusCode, nil
}

// upstreamHint prefers the structured description Telegram and Graph API
// errors carry over the raw body.
func upstreamHint(data []byte) string {
	var parsed struct {
		Description string `json:"description"`
		Error       *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Description != "" {
			return parsed.Description
		}
		if parsed.Error != nil && parsed.Error.Message != "" {
			return parsed.Error.Message
		}
	}
	return strings.TrimSpace(string(data))
}

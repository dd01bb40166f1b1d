package normalize

import (
	"strconv"
	"time"

	"forge/internal/domain"
)

type telegramUser struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
	First    string `json:"first_name"`
}

type telegramChat struct {
	ID    flexID `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type telegramMessage struct {
	MessageID flexID        `json:"message_id"`
	From      *telegramUser `json:"from"`
	Chat      *telegramChat `json:"chat"`
	Date      int64         `json:"date"`
	Text      string        `json:"text"`
	Caption   string        `json:"caption"`
}

type telegramCallback struct {
	ID      flexID           `json:"id"`
	From    *telegramUser    `json:"from"`
	Message *telegramMessage `json:"message"`
	Data    string           `json:"data"`
}

type telegramUpdate struct {
	UpdateID      flexID            `json:"update_id"`
	Message       *telegramMessage  `json:"message"`
	EditedMessage *telegramMessage  `json:"edited_message"`
	ChannelPost   *telegramMessage  `json:"channel_post"`
	CallbackQuery *telegramCallback `json:"callback_query"`
}

// Telegram normalizes Bot API updates.
type Telegram struct{}

func (Telegram) Normalize(raw []byte, userID string, now time.Time) (Result, error) {
	var u telegramUpdate
	if err := decode(raw, &u); err != nil {
		return Result{}, err
	}
	payload := map[string]any{"channel": domain.ChannelTelegram}
	putIf(payload, "updateId", u.UpdateID.String())

	var (
		eventName string
		dedupeKey string
		at        = now
	)
	switch {
	case u.CallbackQuery != nil:
		cb := u.CallbackQuery
		if cb.ID == "" {
			return Result{}, invalid("callback_query without id")
		}
		eventName = "callback_query"
		dedupeKey = "telegram-callback:" + cb.ID.String()
		putIf(payload, "callbackQueryId", cb.ID.String())
		putIf(payload, "data", cb.Data)
		if cb.From != nil {
			putIf(payload, "senderId", cb.From.ID.String())
			putIf(payload, "username", cb.From.Username)
		}
		if cb.Message != nil {
			if cb.Message.Chat != nil {
				putIf(payload, "chatId", cb.Message.Chat.ID.String())
			}
			putIf(payload, "messageId", cb.Message.MessageID.String())
		}
	default:
		msg := firstMessage(u.Message, u.EditedMessage, u.ChannelPost)
		if msg == nil {
			return Result{}, invalid("update has neither message nor callback_query")
		}
		if u.UpdateID == "" {
			return Result{}, invalid("update without update_id")
		}
		eventName = "message"
		if u.EditedMessage != nil && u.Message == nil {
			eventName = "edited_message"
		}
		dedupeKey = "telegram:" + u.UpdateID.String()
		if msg.Chat != nil {
			putIf(payload, "chatId", msg.Chat.ID.String())
			putIf(payload, "chatType", msg.Chat.Type)
		}
		if msg.From != nil {
			putIf(payload, "senderId", msg.From.ID.String())
			putIf(payload, "username", msg.From.Username)
		}
		putIf(payload, "messageId", msg.MessageID.String())
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		payload["text"] = text
		if msg.Date > 0 {
			at = time.Unix(msg.Date, 0).UTC()
			payload["timestampMs"] = strconv.FormatInt(at.UnixMilli(), 10)
		}
	}
	payload["eventName"] = eventName

	sig := newSignal(userID, domain.SourceWebhook, domain.SignalActivity, 0.9, payload, at, now)
	evt := webhookEvent(userID, domain.ChannelTelegram, eventName, dedupeKey, sig.DetectedAt, copyMap(payload))
	return Result{Signal: sig, Events: []domain.ForgeEvent{evt}}, nil
}

func firstMessage(msgs ...*telegramMessage) *telegramMessage {
	for _, m := range msgs {
		if m != nil {
			return m
		}
	}
	return nil
}

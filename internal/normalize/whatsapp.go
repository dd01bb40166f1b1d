package normalize

import (
	"strconv"
	"time"

	"forge/internal/domain"
)

type whatsAppMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type whatsAppStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

type whatsAppDelivery struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []whatsAppMessage `json:"messages"`
				Statuses []whatsAppStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WhatsApp normalizes Cloud API deliveries. One delivery may batch several
// messages and statuses; each becomes its own event.
type WhatsApp struct{}

func (WhatsApp) Normalize(raw []byte, userID string, now time.Time) (Result, error) {
	var d whatsAppDelivery
	if err := decode(raw, &d); err != nil {
		return Result{}, err
	}

	var (
		events   []domain.ForgeEvent
		messages int
		statuses int
		first    map[string]any
		earliest time.Time
	)
	for _, entry := range d.Entry {
		for _, change := range entry.Changes {
			phoneID := change.Value.Metadata.PhoneNumberID
			for _, m := range change.Value.Messages {
				if m.ID == "" {
					continue
				}
				messages++
				at := eventTime(m.Timestamp, now)
				p := map[string]any{
					"channel":     domain.ChannelWhatsApp,
					"eventName":   "message",
					"messageId":   m.ID,
					"from":        m.From,
					"messageType": m.Type,
					"text":        whatsAppText(m),
					"timestampMs": strconv.FormatInt(at.UnixMilli(), 10),
				}
				putIf(p, "phoneNumberId", phoneID)
				if m.Interactive != nil {
					if r := m.Interactive.ButtonReply; r != nil {
						putIf(p, "replyId", r.ID)
					} else if r := m.Interactive.ListReply; r != nil {
						putIf(p, "replyId", r.ID)
					}
				}
				if m.Button != nil {
					putIf(p, "replyId", m.Button.Payload)
				}
				if first == nil {
					first = p
				}
				if earliest.IsZero() || at.Before(earliest) {
					earliest = at
				}
				events = append(events, webhookEvent(userID, domain.ChannelWhatsApp, "message", "whatsapp:"+m.ID, at, p))
			}
			for _, s := range change.Value.Statuses {
				if s.ID == "" || s.Status == "" {
					continue
				}
				statuses++
				at := eventTime(s.Timestamp, now)
				p := map[string]any{
					"channel":     domain.ChannelWhatsApp,
					"eventName":   "status:" + s.Status,
					"messageId":   s.ID,
					"status":      s.Status,
					"recipientId": s.RecipientID,
					"timestampMs": strconv.FormatInt(at.UnixMilli(), 10),
				}
				putIf(p, "phoneNumberId", phoneID)
				if earliest.IsZero() || at.Before(earliest) {
					earliest = at
				}
				events = append(events, webhookEvent(userID, domain.ChannelWhatsApp, "status:"+s.Status, "whatsapp-status:"+s.ID+":"+s.Status, at, p))
			}
		}
	}

	summary := map[string]any{
		"channel":      domain.ChannelWhatsApp,
		"eventName":    "delivery",
		"object":       d.Object,
		"messageCount": messages,
		"statusCount":  statuses,
	}
	if first != nil {
		summary["from"] = first["from"]
		summary["text"] = first["text"]
	}
	sig := newSignal(userID, domain.SourceWebhook, domain.SignalActivity, 0.9, summary, earliest, now)
	return Result{Signal: sig, Events: events}, nil
}

func eventTime(ts string, now time.Time) time.Time {
	if t, ok := secondsToTime(ts); ok {
		return t
	}
	return now.UTC()
}

func whatsAppText(m whatsAppMessage) string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	}
	return ""
}

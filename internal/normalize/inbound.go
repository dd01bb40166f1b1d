package normalize

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"forge/internal/domain"
)

// DefaultInboundConfidence applies when a generic delivery omits confidence.
const DefaultInboundConfidence = 0.5

type inboundBody struct {
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Confidence *float64        `json:"confidence"`
	DedupeKey  string          `json:"dedupeKey"`
	EventName  string          `json:"eventName"`
	Channel    string          `json:"channel"`
	Payload    map[string]any  `json:"payload"`
	DetectedAt json.RawMessage `json:"detectedAt"`
}

// Inbound normalizes the generic authenticated webhook. NewID supplies the
// signal id the default dedupe key is derived from; nil uses a random UUID.
type Inbound struct {
	NewID func() string
}

func (n Inbound) Normalize(raw []byte, userID string, now time.Time) (Result, error) {
	var in inboundBody
	if err := decode(raw, &in); err != nil {
		return Result{}, err
	}

	typ := strings.ToLower(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = domain.SignalActivity
	}
	if !slices.Contains(domain.SignalTypes, typ) {
		return Result{}, invalid("unknown signal type %q", in.Type)
	}
	source := strings.ToLower(strings.TrimSpace(in.Source))
	if source == "" {
		source = domain.SourceWebhook
	}
	if !slices.Contains(domain.SignalSources, source) {
		return Result{}, invalid("unknown signal source %q", in.Source)
	}
	confidence := DefaultInboundConfidence
	if in.Confidence != nil {
		confidence = *in.Confidence
		if confidence < 0 || confidence > 1 {
			return Result{}, invalid("confidence must be within [0,1]")
		}
	}
	channel := strings.ToLower(strings.TrimSpace(in.Channel))
	if channel == "" {
		channel = domain.ChannelWebhook
	}
	if !slices.Contains(domain.Channels, channel) {
		return Result{}, invalid("unknown channel %q", in.Channel)
	}
	detectedAt, err := parseDetectedAt(in.DetectedAt)
	if err != nil {
		return Result{}, err
	}

	eventName := strings.TrimSpace(in.EventName)
	if eventName == "" {
		eventName = typ
	}
	payload := make(map[string]any, len(in.Payload)+2)
	for k, v := range in.Payload {
		payload[k] = v
	}
	payload["channel"] = channel
	payload["eventName"] = eventName

	newID := n.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	sig := newSignal(userID, source, typ, confidence, payload, detectedAt, now)
	sig.ID = newID()

	dedupe := strings.TrimSpace(in.DedupeKey)
	if dedupe == "" {
		dedupe = "inbound:" + sig.ID
	}
	evt := domain.ForgeEvent{
		UserID:     userID,
		Kind:       inboundKind(source),
		Channel:    channel,
		EventName:  eventName,
		Source:     source,
		DedupeKey:  dedupe,
		SignalID:   sig.ID,
		OccurredAt: sig.DetectedAt,
		Payload:    copyMap(payload),
	}
	return Result{Signal: sig, Events: []domain.ForgeEvent{evt}}, nil
}

// inboundKind routes a generic delivery to the trigger family its source
// belongs to: detector sources feed signal rules, companion feeds companion
// rules, everything else is a plain webhook.
func inboundKind(source string) string {
	switch source {
	case domain.SourceGit, domain.SourceFile, domain.SourceProcess:
		return domain.TriggerSignal
	case domain.SourceCompanion:
		return domain.TriggerCompanion
	case domain.SourceWebhook:
		return domain.TriggerWebhook
	default:
		return domain.TriggerEvent
	}
}

// parseDetectedAt accepts an RFC 3339 string or a millisecond epoch number.
func parseDetectedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, invalid("detectedAt: %v", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, invalid("detectedAt must be RFC 3339 or epoch milliseconds")
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, invalid("detectedAt must be RFC 3339 or epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

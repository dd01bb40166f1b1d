// Package normalize turns each inbound channel's native payload into the two
// canonical records Forge works with: a persisted Signal and the ForgeEvents
// handed to the rule engine. Normalizers are pure: they never touch the store
// and take the receipt time as an argument.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forge/internal/domain"
)

// ErrInvalidPayload wraps every parse failure. The gateway maps it to 400
// without echoing the underlying decoder message.
var ErrInvalidPayload = errors.New("invalid payload")

// Result is the output of one normalization.
type Result struct {
	Signal domain.Signal
	Events []domain.ForgeEvent
}

// Normalizer converts one raw body for a user at receipt time now.
type Normalizer interface {
	Normalize(raw []byte, userID string, now time.Time) (Result, error)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// flexID accepts a JSON number or string and keeps its textual form. Chat
// platforms send 64-bit identifiers that do not survive float64 decoding.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// decode unmarshals with UseNumber so nested numeric ids keep full precision.
func decode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// secondsToTime converts a decimal-second epoch string ("1700000000" or
// "1700000000.25") to a UTC time.
func secondsToTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(n * 1000).UTC(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f*1000 + 0.5)).UTC(), true
}

func newSignal(userID, source, typ string, confidence float64, payload map[string]any, detectedAt, now time.Time) domain.Signal {
	if detectedAt.IsZero() {
		detectedAt = now
	}
	return domain.Signal{
		UserID:     userID,
		Source:     source,
		Type:       typ,
		Confidence: confidence,
		Payload:    payload,
		DetectedAt: detectedAt.UTC(),
		IngestedAt: now.UTC(),
	}
}

func webhookEvent(userID, channel, eventName, dedupeKey string, at time.Time, payload map[string]any) domain.ForgeEvent {
	return domain.ForgeEvent{
		UserID:     userID,
		Kind:       domain.TriggerWebhook,
		Channel:    channel,
		EventName:  eventName,
		Source:     domain.SourceWebhook,
		DedupeKey:  dedupeKey,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// copyMap gives each event its own payload so a later mutation (for example
// linking the signal id) cannot leak between events of one delivery.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func putIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

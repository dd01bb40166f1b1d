package actions

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrWebhookConflict means Telegram refused getUpdates because a webhook is
// registered for the bot, so the chat id cannot be discovered by polling.
var ErrWebhookConflict = errors.New("another integration already owns this bot's webhook; set chatId explicitly")

// UpstreamError is a non-success answer from a delivery target.
type UpstreamError struct {
	Service string
	Status  int
	Hint    string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s request failed", e.Service)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s returned HTTP %d", e.Service, e.Status)
	}
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// scrubURL drops the request URL from transport errors. Bot API URLs carry
// the token in their path.
func scrubURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

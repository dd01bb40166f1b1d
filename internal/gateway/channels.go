package gateway

import (
	"net/http"

	"forge/internal/domain"
	"forge/internal/normalize"
	"forge/internal/signature"
)

// SecretHeader carries the shared secret on routes that accept one.
const SecretHeader = "X-Forge-Secret"

// Channel pairs one protocol's authenticity check with its normalizer.
type Channel interface {
	normalize.Normalizer
	Name() string
	// Verify checks the request credentials against the raw body. It returns
	// the caller's user id when the credential carries one.
	Verify(h http.Header, body []byte) (string, error)
}

type inboundChannel struct {
	normalize.Inbound
	sharedSecret string
	jwtSecret    string
}

func (inboundChannel) Name() string { return domain.ChannelWebhook }

func (c inboundChannel) Verify(h http.Header, _ []byte) (string, error) {
	if token, ok := signature.BearerToken(h.Get("Authorization")); ok {
		if c.sharedSecret != "" && signature.SharedSecret(token, c.sharedSecret) == nil {
			return "", nil
		}
		return signature.BearerSubject(token, c.jwtSecret)
	}
	return "", signature.SharedSecret(h.Get(SecretHeader), c.sharedSecret)
}

type telegramChannel struct {
	normalize.Telegram
	secretToken  string
	sharedSecret string
}

func (telegramChannel) Name() string { return domain.ChannelTelegram }

func (c telegramChannel) Verify(h http.Header, _ []byte) (string, error) {
	if token := h.Get("X-Telegram-Bot-Api-Secret-Token"); token != "" {
		if c.secretToken != "" {
			return "", signature.SharedSecret(token, c.secretToken)
		}
		return "", signature.SharedSecret(token, c.sharedSecret)
	}
	return "", signature.SharedSecret(h.Get(SecretHeader), c.sharedSecret)
}

type discordChannel struct {
	normalize.Discord
	publicKey string
}

func (discordChannel) Name() string { return domain.ChannelDiscord }

func (c discordChannel) Verify(h http.Header, body []byte) (string, error) {
	return "", signature.Ed25519(c.publicKey, h.Get("X-Signature-Ed25519"), h.Get("X-Signature-Timestamp"), body)
}

type whatsAppChannel struct {
	normalize.WhatsApp
	appSecret string
}

func (whatsAppChannel) Name() string { return domain.ChannelWhatsApp }

func (c whatsAppChannel) Verify(h http.Header, body []byte) (string, error) {
	return "", signature.HMACSHA256(c.appSecret, h.Get("X-Hub-Signature-256"), body)
}

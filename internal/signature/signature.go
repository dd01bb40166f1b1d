// Package signature holds the per-channel authenticity checks applied to
// inbound webhooks. Every verifier works on the raw request body as received;
// re-encoding a parsed body would change the signed bytes.
package signature

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrAuthentication is returned for any missing or invalid credential.
// Callers answer 401 and drop the request.
var ErrAuthentication = errors.New("authentication failed")

// SharedSecret compares a presented token against the configured secret in
// constant time. Both sides are hashed first so differing lengths take the
// same path as differing contents.
func SharedSecret(presented, secret string) error {
	if secret == "" || presented == "" {
		return ErrAuthentication
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(a[:], b[:]) != 1 {
		return ErrAuthentication
	}
	return nil
}

// Ed25519 checks a Discord-style interaction signature: the signed message is
// timestamp || body, the signature and public key are hex-encoded.
func Ed25519(publicKeyHex, signatureHex, timestamp string, body []byte) error {
	if publicKeyHex == "" || signatureHex == "" || timestamp == "" {
		return ErrAuthentication
	}
	pub, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrAuthentication
	}
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrAuthentication
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrAuthentication
	}
	return nil
}

// HMACSHA256 checks a WhatsApp-style "sha256=<hex>" body signature.
// An empty appSecret means verification is disabled and always passes; the
// gateway logs that state at startup and on every request it lets through.
func HMACSHA256(appSecret, header string, body []byte) error {
	if appSecret == "" {
		return nil
	}
	const prefix = "sha256="
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ErrAuthentication
	}
	presented := strings.ToLower(header[len(prefix):])
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(presented) != len(expected) {
		return ErrAuthentication
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrAuthentication
	}
	return nil
}

// SignHMACSHA256 produces the header value HMACSHA256 accepts.
func SignHMACSHA256(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

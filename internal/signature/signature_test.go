package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecret(t *testing.T) {
	assert.NoError(t, SharedSecret("s3cret", "s3cret"))
	assert.ErrorIs(t, SharedSecret("s3cre", "s3cret"), ErrAuthentication)
	assert.ErrorIs(t, SharedSecret("", "s3cret"), ErrAuthentication)
	assert.ErrorIs(t, SharedSecret("anything", ""), ErrAuthentication)
}

func TestEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"type":1}`)
	ts := "1700000000"
	sig := ed25519.Sign(priv, append([]byte(ts), body...))
	pubHex := hex.EncodeToString(pub)
	sigHex := hex.EncodeToString(sig)

	assert.NoError(t, Ed25519(pubHex, sigHex, ts, body))

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xff
	assert.ErrorIs(t, Ed25519(pubHex, hex.EncodeToString(tampered), ts, body), ErrAuthentication)
	assert.ErrorIs(t, Ed25519(pubHex, sigHex, "1700000001", body), ErrAuthentication)
	assert.ErrorIs(t, Ed25519(pubHex, "zz-not-hex", ts, body), ErrAuthentication)
	assert.ErrorIs(t, Ed25519("abcd", sigHex, ts, body), ErrAuthentication)
}

func TestHMACSHA256(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := SignHMACSHA256("app-secret", body)

	assert.NoError(t, HMACSHA256("app-secret", header, body))
	assert.ErrorIs(t, HMACSHA256("app-secret", header, append(body, ' ')), ErrAuthentication)
	assert.ErrorIs(t, HMACSHA256("app-secret", header[len("sha256="):], body), ErrAuthentication)
	assert.ErrorIs(t, HMACSHA256("app-secret", "", body), ErrAuthentication)
	// no secret configured: verification disabled
	assert.NoError(t, HMACSHA256("", "", body))
}

func TestBearerSubject(t *testing.T) {
	now := time.Now()
	tok, err := SignBearer("k", "u1", time.Hour, now)
	require.NoError(t, err)

	authz, ok := BearerToken("Bearer " + tok)
	require.True(t, ok)
	sub, err := BearerSubject(authz, "k")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	_, err = BearerSubject(tok, "other")
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = BearerSubject(tok, "")
	assert.ErrorIs(t, err, ErrAuthentication)

	expired, err := SignBearer("k", "u1", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = BearerSubject(expired, "k")
	assert.ErrorIs(t, err, ErrAuthentication)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
}

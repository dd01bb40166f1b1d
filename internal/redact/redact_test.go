package redact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/domain"
)

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"token", "accessToken", "access_token", "apiKey", "API_KEY", "secret", "appSecret", "Authorization", "bearer", "botToken"} {
		assert.True(t, IsSensitiveKey(k), k)
	}
	for _, k := range []string{"chatId", "dedupeKey", "channel", "url", "tokens_used"} {
		assert.False(t, IsSensitiveKey(k), k)
	}
}

func TestMapRedactsAtAnyDepth(t *testing.T) {
	in := map[string]any{
		"channel": "telegram",
		"token":   "tg-secret-1",
		"nested": map[string]any{
			"headers": []any{
				map[string]any{"authorization": "Bearer abc-secret-2"},
				"plain",
			},
			"deeper": map[string]any{"level": map[string]any{"appSecret": "deep-secret-3"}},
		},
	}
	out := Map(in)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	for _, secret := range []string{"tg-secret-1", "abc-secret-2", "deep-secret-3"} {
		assert.NotContains(t, string(data), secret)
	}
	assert.Equal(t, "telegram", out["channel"])
	assert.Equal(t, Placeholder, out["token"])

	// the input is untouched
	assert.Equal(t, "tg-secret-1", in["token"])
	inner := in["nested"].(map[string]any)["deeper"].(map[string]any)["level"].(map[string]any)
	assert.Equal(t, "deep-secret-3", inner["appSecret"])
}

func TestEmptySecretsStayEmpty(t *testing.T) {
	out := Map(map[string]any{"token": "", "secret": nil})
	assert.Equal(t, "", out["token"])
	assert.Nil(t, out["secret"])
}

func TestRuleAndRun(t *testing.T) {
	rule := domain.ForgeRule{
		ID:           "r1",
		ActionConfig: map[string]any{"channel": "whatsapp", "accessToken": "wa-123"},
	}
	got := Rule(rule)
	assert.Equal(t, Placeholder, got.ActionConfig["accessToken"])
	assert.Equal(t, "wa-123", rule.ActionConfig["accessToken"])

	run := domain.ForgeRun{ActionPayload: map[string]any{"request": map[string]any{"bearer": "xyz"}}}
	gotRun := Run(run)
	assert.Equal(t, Placeholder, gotRun.ActionPayload["request"].(map[string]any)["bearer"])
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Queue.MaxWait)
	assert.Equal(t, 2*time.Second, cfg.Queue.MatchingInterval)
	assert.Equal(t, 5, cfg.Queue.MaxSkips)
	assert.Equal(t, 20*time.Minute, cfg.Timer.DailyFreeLimit)
	assert.Equal(t, 3*time.Minute, cfg.Timer.LowTimeThreshold)
	assert.Equal(t, 10*time.Second, cfg.Timer.SaveInterval)
	assert.Equal(t, 15*time.Minute, cfg.Presence.HardTTL)
	assert.Equal(t, "simulated", cfg.Payments.Provider)
	assert.InDelta(t, 0.3, cfg.Chat.GiftOfferProbability, 1e-9)
	assert.Equal(t, time.UTC, cfg.Timer.Location())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SAFETALK_SERVER_PORT", "9090")
	t.Setenv("SAFETALK_MATCH_MAX_WAIT", "45s")
	t.Setenv("SAFETALK_TIMER_DAILY_FREE_LIMIT", "30m")
	t.Setenv("SAFETALK_CHAT_AI_FALLBACK", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Queue.MaxWait)
	assert.Equal(t, 30*time.Minute, cfg.Timer.DailyFreeLimit)
	assert.False(t, cfg.Chat.AIFallback)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"max wait above ceiling", map[string]string{"SAFETALK_MATCH_MAX_WAIT": "90s"}},
		{"max wait below floor", map[string]string{"SAFETALK_MATCH_MAX_WAIT": "5s"}},
		{"http provider without url", map[string]string{"SAFETALK_PAYMENTS_PROVIDER": "http"}},
		{"unknown provider", map[string]string{"SAFETALK_PAYMENTS_PROVIDER": "stripe"}},
		{"bad probability", map[string]string{"SAFETALK_CHAT_GIFT_OFFER_PROBABILITY": "1.5"}},
		{"bad timezone", map[string]string{"SAFETALK_TIMER_TIMEZONE": "Mars/Olympus"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

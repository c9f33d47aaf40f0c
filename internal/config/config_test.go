package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "remedyd", cfg.Observability.ServiceName)
	assert.Equal(t, "nats://localhost:4222", cfg.Ingest.NATSURL)
	assert.Equal(t, "remedyd.signals.>", cfg.Ingest.Subject)
	assert.Equal(t, 2, cfg.Scheduler.ScopeCapacity)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.LeaseTTL.Duration())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, "memory", cfg.Tracker.Backend)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero scope capacity", func(t *testing.T) {
		cfg := valid()
		cfg.Scheduler.ScopeCapacity = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("max delay below base delay", func(t *testing.T) {
		cfg := valid()
		cfg.Retry.BaseDelay = Duration(time.Minute)
		cfg.Retry.MaxDelay = Duration(time.Second)
		assert.Error(t, cfg.Validate())
	})

	t.Run("github backend requires repository and token", func(t *testing.T) {
		cfg := valid()
		cfg.Tracker.Backend = "github"
		assert.Error(t, cfg.Validate())

		cfg.Tracker.Repository = "fyrsmithlabs/remedyd"
		assert.Error(t, cfg.Validate())

		cfg.Tracker.GitHubToken = Secret("ghp_test")
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown tracker backend", func(t *testing.T) {
		cfg := valid()
		cfg.Tracker.Backend = "jira"
		assert.Error(t, cfg.Validate())
	})
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}

package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeSignal(t *testing.T) {
	logger := zap.NewNop()

	signal, ok := DecodeSignal([]byte(`{"fields":{"kind":"PodFailure","pod_name":"api-7f9","namespace":"prod"},"logs":"OOMKilled"}`), logger)
	require.True(t, ok)
	assert.Equal(t, "api-7f9", signal.Field("pod_name"))
	assert.Equal(t, "prod", signal.Field("namespace"))
	assert.Equal(t, "OOMKilled", signal.Logs)
}

func TestDecodeSignalMalformedKeptAsLogs(t *testing.T) {
	raw := []byte(`not json at all {{{`)
	signal, ok := DecodeSignal(raw, zap.NewNop())
	require.True(t, ok, "malformed payloads are still handled")
	assert.Equal(t, string(raw), signal.Logs)
	assert.Empty(t, signal.Fields)
}

func TestDecodeSignalEmptyDropped(t *testing.T) {
	_, ok := DecodeSignal([]byte(`{}`), zap.NewNop())
	assert.False(t, ok)
}

func TestSenderLimiterIsolatesSenders(t *testing.T) {
	l := NewSenderLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("noisy"), "burst delivery %d", i)
	}
	assert.False(t, l.Allow("noisy"), "noisy sender exhausted its burst")
	assert.True(t, l.Allow("quiet"), "other senders are unaffected")
}

func TestSenderLimiterResetsStaleMap(t *testing.T) {
	l := NewSenderLimiter(1, 1)
	current := time.Now()
	l.now = func() time.Time { return current }

	require.True(t, l.Allow("s"))
	require.False(t, l.Allow("s"))

	current = current.Add(2 * time.Hour)
	assert.True(t, l.Allow("s"), "limiter state expires")
}

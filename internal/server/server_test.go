package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
)

type capturingHandler struct {
	signals chan alert.Signal
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{signals: make(chan alert.Signal, 16)}
}

func (h *capturingHandler) HandleSignal(_ context.Context, signal alert.Signal) (*orchestrator.Result, error) {
	h.signals <- signal
	return &orchestrator.Result{Outcome: orchestrator.OutcomeCompleted}, nil
}

func (h *capturingHandler) wait(t *testing.T) alert.Signal {
	t.Helper()
	select {
	case s := <-h.signals:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no signal dispatched to handler")
		return alert.Signal{}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            9090,
			ShutdownTimeout: config.Duration(time.Second),
		},
		Observability: config.ObservabilityConfig{ServiceName: "remedyd"},
		Ingest: config.IngestConfig{
			WebhookRatePerMin: 60,
			WebhookBurst:      10,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *capturingHandler) {
	t.Helper()
	handler := newCapturingHandler()
	srv, err := New(cfg, handler, zap.NewNop())
	require.NoError(t, err)
	return srv, handler
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"service":"remedyd"`)
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSignalAccepted(t *testing.T) {
	srv, handler := newTestServer(t, testConfig())

	body := `{"fields":{"kind":"PodFailure","pod_name":"api-7f9","namespace":"prod","repository":"acme/api"},"logs":"OOMKilled"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/signals", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	signal := handler.wait(t)
	assert.Equal(t, "api-7f9", signal.Field("pod_name"))
	assert.Equal(t, "OOMKilled", signal.Logs)
}

func TestSignalMalformedStillHandled(t *testing.T) {
	srv, handler := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/signals", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	signal := handler.wait(t)
	assert.Equal(t, "not json", signal.Logs)
}

func TestSignalEmptyRejected(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/signals", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalRateLimitPerSender(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.WebhookRatePerMin = 1
	cfg.Ingest.WebhookBurst = 2
	srv, _ := newTestServer(t, cfg)

	post := func(sender string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/signals", strings.NewReader(`{"logs":"x"}`))
		req.Header.Set("X-Sender", sender)
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusAccepted, post("noisy"))
	assert.Equal(t, http.StatusAccepted, post("noisy"))
	assert.Equal(t, http.StatusTooManyRequests, post("noisy"))
	assert.Equal(t, http.StatusAccepted, post("quiet"), "other senders are unaffected")
}

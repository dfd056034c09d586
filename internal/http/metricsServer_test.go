package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"labchat/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer_ServesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	collectors.ReconnectAttempt()

	srv := httptest.NewServer(NewMetricsServer(reg, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "labchat_stream_reconnect_attempts_total 1"))

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

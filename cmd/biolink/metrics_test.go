package main

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m, err := startMetricsServer("127.0.0.1:0", logger)
	require.NoError(t, err)

	rows := prometheus.NewCounter(prometheus.CounterOpts{Name: "biolink_test_rows_total", Help: "rows"})
	m.registry.MustRegister(rows)
	rows.Add(3)

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + m.addr + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "biolink_test_rows_total 3", "registered collectors MUST be exported")

	require.NoError(t, m.Stop())
	_, err = http.Get("http://" + m.addr + "/health")
	assert.Error(t, err, "the listener MUST be closed after Stop")
}

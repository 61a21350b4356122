package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsUseSeparateRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.QueueOverflows.Inc()
	a.MessagesSent.WithLabelValues("heartbeat").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.QueueOverflows))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.QueueOverflows))
	assert.Equal(t, float64(2), testutil.ToFloat64(a.MessagesSent.WithLabelValues("heartbeat")))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New(nil)
	m.ConnectionState.Set(2)
	m.ReconnectAttempts.Add(3)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "arunika_client_connection_state 2")
	assert.Contains(t, string(body), "arunika_client_reconnect_attempts_total 3")
}

package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_StatusAndMetrics(t *testing.T) {
	t.Parallel()

	sub := testSubscription(AbortOnError(), func(r *Registry) {
		require.NoError(t, r.RegisterRawString("user.created.v1", HandlerFunc[string](func(context.Context, string) error { return nil })))
	})
	s, _ := newTestSubscriber(sub)
	s.position.Reset(0x16B3748)
	s.setState(StateStreaming)
	s.metric.AddDispatch("user.created.v1", resultSuccess)
	s.metric.AddDispatch("something.else", resultSkipped)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(s.metric.PrometheusCollectors()[3]))
	srv := httptest.NewServer(s.routes(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, statusResponse{
		State:          "streaming",
		Slot:           "outbox_slot",
		Publication:    "outbox_pub",
		Table:          "public.outbox",
		Position:       "0/16B3748",
		Discriminators: []string{"user.created.v1"},
	}, status)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `go_pq_outbox_dispatch_total{discriminator="user.created.v1"`)
	assert.Contains(t, string(body), `go_pq_outbox_dispatch_total{discriminator="*"`)
}

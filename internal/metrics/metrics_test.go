package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.RecordSession("user")
	m.RecordSession("agent")
	m.RecordEvent("tool_call")
	m.RecordPrompt("web")
	m.RecordSpawnDecision("created")
	m.RecordSpawnDecision("depth_exceeded")
	m.RecordSandboxTransition("warming")
	m.RecordCallback("delivered")
	m.ClientConnected(1)
	m.ObserveReplayBatch(12)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `orchestrator_sessions_total{source="user"} 1`)
	assert.Contains(t, out, `orchestrator_spawn_decisions_total{outcome="depth_exceeded"} 1`)
	assert.Contains(t, out, `orchestrator_ws_clients_connected 1`)
	assert.Contains(t, out, "orchestrator_replay_batch_size")
}

func TestMetrics_GaugeGoesBackDown(t *testing.T) {
	m := New()
	m.ClientConnected(1)
	m.ClientConnected(1)
	m.ClientConnected(-1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "orchestrator_ws_clients_connected 1")
}

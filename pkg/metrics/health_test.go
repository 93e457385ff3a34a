package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	health = &healthRegistry{
		components: make(map[string]componentState),
		started:    time.Now(),
	}
}

func registerCriticalComponents() {
	RegisterComponent("catalog", true, "")
	RegisterComponent("raft", true, "")
	RegisterComponent("scheduler", true, "")
}

func TestHealthAggregatesAllComponents(t *testing.T) {
	resetHealth(t)
	RegisterComponent("catalog", true, "")
	RegisterComponent("raft", true, "")

	s := Health()
	assert.Equal(t, "healthy", s.Status)
	assert.Len(t, s.Components, 2)
}

func TestHealthTurnsUnhealthyWhenAnyComponentIsDown(t *testing.T) {
	resetHealth(t)
	RegisterComponent("catalog", true, "")
	RegisterComponent("raft", false, "no leader elected")

	s := Health()
	assert.Equal(t, "unhealthy", s.Status)
	assert.Equal(t, "unhealthy: no leader elected", s.Components["raft"])
}

func TestReadinessRequiresEveryCriticalComponent(t *testing.T) {
	resetHealth(t)
	registerCriticalComponents()

	assert.Equal(t, "ready", Readiness().Status)
}

func TestReadinessNotReadyUntilCriticalComponentsRegister(t *testing.T) {
	resetHealth(t)
	RegisterComponent("raft", true, "")

	s := Readiness()
	assert.Equal(t, "not_ready", s.Status)
	assert.NotEmpty(t, s.Message)
	assert.Equal(t, "not registered", s.Components["catalog"])
}

func TestReadinessNotReadyWhileCriticalComponentIsUnhealthy(t *testing.T) {
	resetHealth(t)
	registerCriticalComponents()
	UpdateComponent("raft", false, "leader not elected")

	s := Readiness()
	assert.Equal(t, "not_ready", s.Status)
	assert.Equal(t, "not ready: leader not elected", s.Components["raft"])
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	RegisterComponent("catalog", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.NotEmpty(t, body.Uptime)

	UpdateComponent("catalog", false, "connection refused")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	registerCriticalComponents()
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
}

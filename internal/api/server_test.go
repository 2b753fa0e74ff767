package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
	"github.com/agentfleet/controlplane/pkg/mesh"
	"github.com/agentfleet/controlplane/pkg/monitor"
)

type staticStats struct {
	stats *monitor.ContainerStats
}

func (p *staticStats) Stats(ctx context.Context, containerID string) (*monitor.ContainerStats, error) {
	return p.stats, nil
}

func newTestServer(t *testing.T) (*Server, *mesh.Mesh, *monitor.Monitor, *events.Bus) {
	t.Helper()
	registry := prometheus.NewRegistry()
	bus := events.NewBus(256)
	logger := logging.NewNopLogger()

	m := mesh.New(mesh.Config{Registry: registry, Logger: logger, Bus: bus})
	mon, err := monitor.New(monitor.Options{
		Provider: &staticStats{stats: &monitor.ContainerStats{}},
		Registry: registry,
		Logger:   logger,
		Bus:      bus,
	})
	require.NoError(t, err)

	return NewServer(m, mon, bus, registry, logger), m, mon, bus
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	rec := doJSON(t, server.CreateRouter(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	router := server.CreateRouter()

	endpoint := mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthHealthy, Weight: 1,
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/services", endpoint)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var services []mesh.ServiceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "agent-exec", services[0].Service)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/services/agent-exec/endpoints/ep-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/services/agent-exec/endpoints/ep-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterServiceRejectsInvalid(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	rec := doJSON(t, server.CreateRouter(), http.MethodPost, "/api/v1/services", mesh.Endpoint{ID: "ep-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteRequestOverHTTP(t *testing.T) {
	server, m, _, _ := newTestServer(t)
	router := server.CreateRouter()

	require.NoError(t, m.RegisterService(mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthHealthy, Weight: 1,
	}))
	_, err := m.CreateRoute(mesh.Route{Service: "agent-exec", PathPattern: "/exec"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/route/agent-exec", mesh.Request{Path: "/exec", Method: "POST"})
	require.Equal(t, http.StatusOK, rec.Code)
	var result mesh.RouteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ep-1", result.Endpoint.ID)

	// no route matches this path
	rec = doJSON(t, router, http.MethodPost, "/api/v1/route/agent-exec", mesh.Request{Path: "/other", Method: "GET"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteRequestNoHealthyEndpoints(t *testing.T) {
	server, m, _, _ := newTestServer(t)
	router := server.CreateRouter()

	require.NoError(t, m.RegisterService(mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthUnhealthy, Weight: 1,
	}))
	_, err := m.CreateRoute(mesh.Route{Service: "agent-exec", PathPattern: "/exec"})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/route/agent-exec", mesh.Request{Path: "/exec"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFaultAbortStatusPropagates(t *testing.T) {
	server, m, _, _ := newTestServer(t)
	router := server.CreateRouter()

	require.NoError(t, m.RegisterService(mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthHealthy, Weight: 1,
	}))
	_, err := m.CreateRoute(mesh.Route{Service: "agent-exec", PathPattern: "/exec"})
	require.NoError(t, err)
	require.NoError(t, m.SetTrafficPolicy(mesh.TrafficPolicy{
		Service: "agent-exec",
		Rules: []mesh.PolicyRule{{
			Fault: &mesh.FaultInjection{AbortPercent: 100, AbortStatus: http.StatusTeapot},
		}},
	}))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/route/agent-exec", mesh.Request{Path: "/exec"})
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestBreakerAdminOverHTTP(t *testing.T) {
	server, m, _, _ := newTestServer(t)
	router := server.CreateRouter()

	require.NoError(t, m.RegisterService(mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthHealthy, Weight: 1,
	}))

	rec := doJSON(t, router, http.MethodPut, "/api/v1/circuit-breakers/ep-1", map[string]bool{"open": true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/circuit-breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []mesh.BreakerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, mesh.BreakerOpen, statuses[0].State)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/circuit-breakers/ghost", map[string]bool{"open": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerMonitoringOverHTTP(t *testing.T) {
	server, _, mon, _ := newTestServer(t)
	router := server.CreateRouter()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/containers/sandbox-1/monitor", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	mon.CollectOnce(context.Background())

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/sandbox-1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []monitor.ResourceMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &samples))
	assert.Len(t, samples, 1)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/ghost/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/sandbox-1/forecast", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var forecast monitor.Forecast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forecast))
	assert.Contains(t, forecast.CPU.Message, "insufficient history")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/sandbox-1/trends?window=10m", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/containers/sandbox-1/trends?window=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/utilization", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/containers/sandbox-1/monitor", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAlertAckOverHTTP(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	router := server.CreateRouter()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/alerts/missing/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsFeed(t *testing.T) {
	server, m, _, _ := newTestServer(t)
	router := server.CreateRouter()

	require.NoError(t, m.RegisterService(mesh.Endpoint{
		ID: "ep-1", Service: "agent-exec", Address: "10.0.0.1:9000",
		Health: mesh.HealthHealthy, Weight: 1,
	}))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var feed []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feed))
	require.NotEmpty(t, feed)
	assert.Equal(t, events.TypeServiceRegistered, feed[0].Type)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/events?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	rec := doJSON(t, server.CreateRouter(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

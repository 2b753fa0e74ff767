// Package api exposes the control plane's administrative HTTP surface:
// mesh configuration, routing decisions, container monitoring queries and
// the event feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/controlplane/pkg/events"
	"github.com/agentfleet/controlplane/pkg/logging"
	"github.com/agentfleet/controlplane/pkg/mesh"
	"github.com/agentfleet/controlplane/pkg/monitor"
)

// DefaultTrendWindow bounds trend queries that omit an explicit window
const DefaultTrendWindow = 15 * time.Minute

// DefaultForecastHorizonMinutes is used when a forecast query omits minutes
const DefaultForecastHorizonMinutes = 30

// Server wires the mesh and the monitor into an HTTP router
type Server struct {
	mesh     *mesh.Mesh
	monitor  *monitor.Monitor
	bus      *events.Bus
	logger   *logging.StructuredLogger
	gatherer prometheus.Gatherer
}

// NewServer creates the admin API server. The gatherer backs /metrics and
// may be nil to disable the endpoint.
func NewServer(m *mesh.Mesh, mon *monitor.Monitor, bus *events.Bus, gatherer prometheus.Gatherer, logger *logging.StructuredLogger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{
		mesh:     m,
		monitor:  mon,
		bus:      bus,
		logger:   logger.WithComponent("api"),
		gatherer: gatherer,
	}
}

// CreateRouter creates and configures the HTTP router
func (s *Server) CreateRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	// Mesh configuration
	api.HandleFunc("/services", s.registerServiceHandler).Methods("POST")
	api.HandleFunc("/services", s.discoverServicesHandler).Methods("GET")
	api.HandleFunc("/services/{service}", s.discoverServiceHandler).Methods("GET")
	api.HandleFunc("/services/{service}/endpoints/{id}", s.deregisterServiceHandler).Methods("DELETE")
	api.HandleFunc("/services/{service}/metrics", s.serviceMetricsHandler).Methods("GET")
	api.HandleFunc("/routes", s.createRouteHandler).Methods("POST")
	api.HandleFunc("/routes/{id}", s.removeRouteHandler).Methods("DELETE")
	api.HandleFunc("/policies", s.setPolicyHandler).Methods("PUT")
	api.HandleFunc("/route/{service}", s.routeRequestHandler).Methods("POST")
	api.HandleFunc("/requests/{endpoint}", s.recordRequestHandler).Methods("POST")
	api.HandleFunc("/circuit-breakers", s.breakerStatusHandler).Methods("GET")
	api.HandleFunc("/circuit-breakers/{endpoint}", s.setBreakerStateHandler).Methods("PUT")

	// Container monitoring
	api.HandleFunc("/containers/{id}/monitor", s.addContainerHandler).Methods("POST")
	api.HandleFunc("/containers/{id}/monitor", s.removeContainerHandler).Methods("DELETE")
	api.HandleFunc("/containers/{id}/metrics", s.containerMetricsHandler).Methods("GET")
	api.HandleFunc("/containers/{id}/alerts", s.containerAlertsHandler).Methods("GET")
	api.HandleFunc("/containers/{id}/limits", s.setLimitsHandler).Methods("PUT")
	api.HandleFunc("/containers/{id}/trends", s.trendsHandler).Methods("GET")
	api.HandleFunc("/containers/{id}/forecast", s.forecastHandler).Methods("GET")
	api.HandleFunc("/utilization", s.utilizationHandler).Methods("GET")
	api.HandleFunc("/alerts", s.allAlertsHandler).Methods("GET")
	api.HandleFunc("/alerts/{id}/ack", s.acknowledgeAlertHandler).Methods("POST")

	// Event feed
	api.HandleFunc("/events", s.eventsHandler).Methods("GET")

	return router
}

// CreateHTTPServer creates the HTTP server around the router
func (s *Server) CreateHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.CreateRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) registerServiceHandler(w http.ResponseWriter, r *http.Request) {
	var endpoint mesh.Endpoint
	if !s.decode(w, r, &endpoint) {
		return
	}
	if err := s.mesh.RegisterService(endpoint); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, endpoint)
}

func (s *Server) deregisterServiceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.mesh.DeregisterService(vars["service"], vars["id"]) {
		s.writeError(w, http.StatusNotFound, errors.New("endpoint not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) discoverServicesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mesh.DiscoverServices(""))
}

func (s *Server) discoverServiceHandler(w http.ResponseWriter, r *http.Request) {
	services := s.mesh.DiscoverServices(mux.Vars(r)["service"])
	s.writeJSON(w, http.StatusOK, services[0])
}

func (s *Server) serviceMetricsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mesh.Metrics(mux.Vars(r)["service"]))
}

func (s *Server) createRouteHandler(w http.ResponseWriter, r *http.Request) {
	var route mesh.Route
	if !s.decode(w, r, &route) {
		return
	}
	created, err := s.mesh.CreateRoute(route)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) removeRouteHandler(w http.ResponseWriter, r *http.Request) {
	if !s.mesh.RemoveRoute(mux.Vars(r)["id"]) {
		s.writeError(w, http.StatusNotFound, errors.New("route not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var policy mesh.TrafficPolicy
	if !s.decode(w, r, &policy) {
		return
	}
	if err := s.mesh.SetTrafficPolicy(policy); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, policy)
}

// routeRequestHandler resolves a routing decision without proxying. The
// caller dispatches to the returned endpoint itself.
func (s *Server) routeRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req mesh.Request
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.mesh.RouteRequest(mux.Vars(r)["service"], req)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordRequestHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success   bool    `json:"success"`
		LatencyMs float64 `json:"latency_ms"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	s.mesh.RecordRequestResult(mux.Vars(r)["endpoint"], body.Success, body.LatencyMs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) breakerStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mesh.CircuitBreakerStatus())
}

func (s *Server) setBreakerStateHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Open bool `json:"open"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if !s.mesh.SetCircuitBreakerState(mux.Vars(r)["endpoint"], body.Open) {
		s.writeError(w, http.StatusNotFound, errors.New("endpoint not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addContainerHandler(w http.ResponseWriter, r *http.Request) {
	s.monitor.AddContainer(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeContainerHandler(w http.ResponseWriter, r *http.Request) {
	s.monitor.RemoveContainer(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) containerMetricsHandler(w http.ResponseWriter, r *http.Request) {
	samples := s.monitor.Metrics(mux.Vars(r)["id"])
	if samples == nil {
		s.writeError(w, http.StatusNotFound, errors.New("container is not monitored"))
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) containerAlertsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Alerts(mux.Vars(r)["id"]))
}

func (s *Server) setLimitsHandler(w http.ResponseWriter, r *http.Request) {
	var limit monitor.ResourceLimit
	if !s.decode(w, r, &limit) {
		return
	}
	if !s.monitor.SetResourceLimits(r.Context(), mux.Vars(r)["id"], limit) {
		s.writeError(w, http.StatusUnprocessableEntity, errors.New("limit update rejected"))
		return
	}
	s.writeJSON(w, http.StatusOK, limit)
}

func (s *Server) trendsHandler(w http.ResponseWriter, r *http.Request) {
	window := DefaultTrendWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		window = parsed
	}
	trends, err := s.monitor.Trends(mux.Vars(r)["id"], window)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trends)
}

func (s *Server) forecastHandler(w http.ResponseWriter, r *http.Request) {
	minutes := DefaultForecastHorizonMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("minutes must be a positive integer"))
			return
		}
		minutes = parsed
	}
	forecast, err := s.monitor.PredictResourceUsage(mux.Vars(r)["id"], minutes)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) utilizationHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.UtilizationSummary())
}

func (s *Server) allAlertsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.AllAlerts())
}

func (s *Server) acknowledgeAlertHandler(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.AcknowledgeAlert(mux.Vars(r)["id"]) {
		s.writeError(w, http.StatusNotFound, errors.New("alert not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, s.bus.Recent(limit))
}

// writeRoutingError maps routing failures onto HTTP statuses: missing route
// is 404, exhaustion and open breakers are 503, injected aborts carry their
// configured status.
func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var abort *mesh.FaultAbortError
	switch {
	case errors.As(err, &abort):
		s.writeError(w, abort.Status, err)
	case errors.Is(err, mesh.ErrNoRouteFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, mesh.ErrNoHealthyEndpoints), errors.Is(err, mesh.ErrCircuitOpen):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

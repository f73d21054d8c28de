package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ech0r/blend/internal/domain"
	"github.com/ech0r/blend/internal/repository"
	"github.com/ech0r/blend/internal/service/auth"
	"github.com/ech0r/blend/internal/service/client"
	"github.com/ech0r/blend/internal/service/release"
	"github.com/ech0r/blend/internal/ws"
)

// Router wires HTTP endpoints to services. The route layer stays thin:
// request decoding, auth, rate limits and response envelopes only.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	releases release.Service
	clients  client.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	wsConnections      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, releaseSvc release.Service, clientSvc client.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		releases: releaseSvc,
		clients:  clientSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, r.handleLogin)))
	r.mux.HandleFunc("/auth/logout", r.audit("/auth/logout", r.requireAuth(r.handleLogout)))
	r.mux.HandleFunc("/api/releases", r.audit("/api/releases", r.authRate("/api/releases", rateLimitWrite, rateWindowDefault, r.handleReleases)))
	r.mux.HandleFunc("/api/releases/", r.audit("/api/releases/{id}", r.authRate("/api/releases/{id}", rateLimitWrite, rateWindowDefault, r.handleReleaseSubroutes)))
	r.mux.HandleFunc("/api/clients", r.audit("/api/clients", r.authRate("/api/clients", rateLimitRead, rateWindowDefault, r.handleClients)))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.withRateLimit("/ws", rateLimitWebsocket, rateWindowRealtime, r.handleWS)))
}

func (r *Router) authRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, next))
}

// audit records request metrics and access logs for every route.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, recorder.status, duration)
		r.logger.Info("http request", "method", req.Method, "route", route, "status", recorder.status, "duration_ms", duration.Milliseconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("database health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.IssueSession(req.Context(), payload.Username)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.logger.Error("session issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	writeData(w, http.StatusOK, "session issued", map[string]string{"token": token})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := r.auth.Logout(req.Context(), token); err != nil {
		r.logger.Warn("logout failed", "error", err)
	}
	writeData(w, http.StatusOK, "logged out", nil)
}

func (r *Router) handleReleases(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		releases, err := r.releases.List(req.Context())
		if err != nil {
			r.logger.Error("failed to list releases", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list releases")
			return
		}
		writeJSON(w, http.StatusOK, releases)
	case http.MethodPost:
		user, ok := userFromContext(req.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		var input release.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.releases.Create(req.Context(), input, user.Username)
		if err != nil {
			r.writeReleaseError(w, err)
			return
		}
		writeData(w, http.StatusCreated, "release created", created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleReleaseSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/releases/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid release id")
		return
	}
	if len(parts) == 2 && parts[1] == "clear" {
		r.handleReleaseClear(w, req, id)
		return
	}
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		rel, err := r.releases.Get(req.Context(), id)
		if err != nil {
			r.writeReleaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	case http.MethodPut:
		var input release.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := r.releases.Update(req.Context(), id, input)
		if err != nil {
			r.writeReleaseError(w, err)
			return
		}
		writeData(w, http.StatusOK, "release updated", updated)
	case http.MethodDelete:
		user, ok := userFromContext(req.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		if err := r.releases.Delete(req.Context(), id, user); err != nil {
			r.writeReleaseError(w, err)
			return
		}
		writeData(w, http.StatusOK, "release deleted", nil)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleReleaseClear(w http.ResponseWriter, req *http.Request, id uuid.UUID) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	user, ok := userFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	cleared, err := r.releases.Clear(req.Context(), id, user)
	if err != nil {
		r.writeReleaseError(w, err)
		return
	}
	writeData(w, http.StatusOK, "release cleared", cleared)
}

// writeReleaseError maps service errors onto HTTP statuses.
func (r *Router) writeReleaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "release not found")
	case errors.Is(err, release.ErrActiveRelease):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, release.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, release.ErrNotClearable),
		errors.Is(err, release.ErrUnknownClient),
		errors.Is(err, domain.ErrUnknownEnvironment),
		errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrUnknownItem),
		errors.Is(err, domain.ErrDuplicateItem),
		errors.Is(err, domain.ErrNoItems):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("release operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) handleClients(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		clients, err := r.clients.List(req.Context())
		if err != nil {
			r.logger.Error("failed to list clients", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list clients")
			return
		}
		writeJSON(w, http.StatusOK, clients)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.clients.Create(req.Context(), payload.Name)
		if err != nil {
			if errors.Is(err, client.ErrEmptyName) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			r.logger.Error("failed to create client", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create client")
			return
		}
		writeData(w, http.StatusCreated, "client created", created)
	default:
		r.methodNotAllowed(w)
	}
}

// handleWS upgrades a viewer connection and registers it with the hub.
// Browsers cannot set headers on websocket dials, so the token may come via
// query parameter instead.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	token := req.URL.Query().Get("token")
	if token == "" {
		var err error
		token, err = bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}
	user, err := r.auth.Authenticate(req.Context(), token)
	if err != nil {
		r.recordWSConnection("unauthorized")
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.recordWSConnection("upgrade_failed")
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	r.recordWSConnection("accepted")
	sessionID := uuid.NewString()
	session := ws.NewSession(sessionID, user.Username, conn, r.hub, r.logger)
	r.hub.Register(sessionID, session)
	session.Start()

	now := time.Now().UTC().Format(time.RFC3339)
	welcome, err := domain.MarshalEvent(domain.ChatMessage{
		Username:  "System",
		Message:   "Welcome! Your session ID is " + sessionID,
		Timestamp: now,
	})
	if err == nil {
		_ = session.Send(welcome)
	}
	r.hub.BroadcastEvent(domain.AppLog{
		Level:     "info",
		Message:   "new client connected: " + sessionID,
		Timestamp: now,
	})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/metrics"
	"github.com/tokligence/tokligence-relay/internal/ratelimit"
	"github.com/tokligence/tokligence-relay/internal/relay"
	"github.com/tokligence/tokligence-relay/internal/store"
	"github.com/tokligence/tokligence-relay/internal/workerpool"
)

// errRateLimited is reported when a session exceeds its submit budget.
var errRateLimited = errors.New("rate limit exceeded")

// Submitter starts relay streams.
type Submitter interface {
	SubmitStream(ctx context.Context, sessionID uuid.UUID, userText string) (*relay.Stream, error)
}

// Store is the subset of the persistence layer the HTTP API reads and writes.
type Store interface {
	CreateSession(ctx context.Context, personaID uuid.UUID, title string) (chat.Session, error)
	Session(ctx context.Context, id uuid.UUID) (chat.Session, error)
	Messages(ctx context.Context, id uuid.UUID, kind store.MessageKind) ([]store.StoredMessage, error)
	Persona(ctx context.Context, id uuid.UUID) (store.Persona, error)
	ListPersonas(ctx context.Context) ([]store.Persona, error)
}

// Config wires a Server. Relay and Store are required; the rest are optional.
type Config struct {
	Relay   Submitter
	Store   Store
	Status  http.Handler
	Health  *health.Checker
	Metrics *metrics.Collector

	// SubmitLimiter is keyed by session id.
	SubmitLimiter *ratelimit.Limiter
	// APILimiter is keyed by client IP and guards every /api/v1 route.
	APILimiter *ratelimit.Limiter

	Logger   *log.Logger
	LogLevel string
}

// Server exposes the relay REST, SSE and websocket endpoints.
type Server struct {
	relay         Submitter
	store         Store
	status        http.Handler
	health        *health.Checker
	metrics       *metrics.Collector
	submitLimiter *ratelimit.Limiter
	apiLimiter    *ratelimit.Limiter

	logger   *log.Logger
	logLevel string
}

// New constructs the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("httpserver: relay required")
	}
	if cfg.Store == nil {
		return nil, errors.New("httpserver: store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		relay:         cfg.Relay,
		store:         cfg.Store,
		status:        cfg.Status,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
		submitLimiter: cfg.SubmitLimiter,
		apiLimiter:    cfg.APILimiter,
		logger:        cfg.Logger,
		logLevel:      strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
	}, nil
}

// Router returns the HTTP handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Route("/api/v1", func(api chi.Router) {
		if s.apiLimiter.Enabled() {
			mw := ratelimit.NewMiddleware(s.apiLimiter, ratelimit.ClientIP, s.logger, s.metrics.RecordRateLimitHit)
			api.Use(mw.Wrap)
		}
		s.registerEndpoints(api,
			newSessionsEndpoint(s),
			newStreamEndpoint(s),
			newPersonasEndpoint(s),
			newStatusEndpoint(s),
		)
	})

	s.registerEndpoints(r, newHealthEndpoint(s), newMetricsEndpoint(s))
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// instrument records per-route request counts, latency and 5xx errors.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.RecordRequest(r.Method+" "+route, time.Since(start))
		if ww.Status() >= http.StatusInternalServerError {
			s.metrics.RecordError(r.Method + " " + route)
		}
	})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed status=%d: %v", status, err)
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps relay and store failures onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *relay.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrSessionBusy), errors.Is(err, store.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err)
}

// pathUUID parses the {name} URL parameter.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New(name + " must be a uuid")
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

package api

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/scheduler"
	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/transport"
	"github.com/rs/zerolog"
)

// Config configures the API server.
type Config struct {
	AllowedBinaries []string
	TrustedProxies  []string
	LongPollTimeout time.Duration // caps GET .../work and GET /downlink (default 25s)
}

// DefaultConfig returns the default long-poll timeout with no
// allowed-binaries or trusted-proxy restriction.
func DefaultConfig() Config {
	return Config{LongPollTimeout: 25 * time.Second}
}

// Server wires the repository, auth and transport layers into the
// Coordinator's HTTP surface.
type Server struct {
	repo           storage.Repository
	signer         *security.Signer
	credStore      *security.CredentialStore
	transports     *transport.Registry
	scheduler      *scheduler.Scheduler
	cfg            Config
	trustedProxies []*net.IPNet
	logger         zerolog.Logger
	mux            *http.ServeMux
}

// NewServer builds a Server and registers every route. sched may be nil
// (e.g. in tests exercising the API in isolation); Wake is simply skipped.
func NewServer(repo storage.Repository, signer *security.Signer, credStore *security.CredentialStore, transports *transport.Registry, sched *scheduler.Scheduler, cfg Config) (*Server, error) {
	trustedProxies, err := security.ParseCIDRSet(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if cfg.LongPollTimeout == 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}

	s := &Server{
		repo:           repo,
		signer:         signer,
		credStore:      credStore,
		transports:     transports,
		scheduler:      sched,
		cfg:            cfg,
		trustedProxies: trustedProxies,
		logger:         log.WithComponent("api"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers every handler on the enhanced (Go 1.22+) ServeMux
// method+pattern syntax, matching the routing idiom already used for the
// Coordinator's own health endpoints.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /api/v1/jobs", s.withMiddleware(s.handleSubmitJob))
	s.mux.HandleFunc("GET /api/v1/jobs/{id}", s.withMiddleware(s.handleGetJob))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.withMiddleware(s.handleCancelJob))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/heartbeat", s.withMiddleware(s.handleJobHeartbeat))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/accept", s.withMiddleware(s.handleAcceptJob))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/log", s.withMiddleware(s.handleAppendLog))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/progress", s.withMiddleware(s.handleProgress))
	s.mux.HandleFunc("POST /api/v1/jobs/{id}/complete", s.withMiddleware(s.handleCompleteJob))

	s.mux.HandleFunc("POST /api/v1/workers/register", s.withMiddleware(s.handleRegisterWorker))
	s.mux.HandleFunc("GET /api/v1/workers/{id}/work", s.withMiddleware(s.handleWorkerWork))

	s.mux.HandleFunc("GET /api/v1/downlink", s.withMiddleware(s.handleDownlinkDrain))
}

// withMiddleware wraps a handler with request-ID assignment, structured
// access logging and authentication, in that order (request ID is useful
// even on an auth rejection).
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.withRequestLog(s.authenticate(next))
}

func (s *Server) withRequestLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		logger := log.WithRequestID(requestID)
		ctx := logger.WithContext(r.Context())

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		route := r.Pattern
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("duration", timer.Duration()).Msg("request")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) wakeScheduler() {
	if s.scheduler != nil {
		s.scheduler.Wake()
	}
}

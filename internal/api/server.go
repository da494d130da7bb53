// Package api serves the supervising HTTP interface of the agent: session
// control, pull-style state, the live event stream and agent metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/config"
	"github.com/eliteGoblin/focusd/exam_guard/internal/engine"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
)

type Server struct {
	r       *chi.Mux
	engine  *engine.Engine
	cfg     config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer creates the API. Sessions created through the API use cfg.
// m may be nil, in which case /metrics is not served.
func NewServer(e *engine.Engine, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		r:       chi.NewRouter(),
		engine:  e,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(s.requestLogger)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })

	s.r.Route("/v1", func(r chi.Router) {
		// Session lifecycle
		r.Get("/session", s.getSession)
		r.Post("/session", s.createSession)
		r.Post("/sweep", s.postSweep)
		r.Post("/session/start", s.startSession)
		r.Post("/session/stop", s.stopSession)

		// Pull-style views and the live stream
		r.Get("/risk/latest", s.getLatestRisk)
		r.Get("/risk/history", s.getRiskHistory)
		r.Get("/events", s.streamEvents)

		// Host
		r.Get("/privilege", s.getPrivilege)
		r.Post("/privilege/elevate", s.postElevate)
		r.Get("/host", s.getHost)
		r.Get("/capture-sources", s.getCaptureSources)
	})

	if s.metrics != nil {
		s.r.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler { return s.r }

// requestLogger logs each request with zap once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

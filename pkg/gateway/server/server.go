package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ratelimit"
)

type Dependencies struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Metrics   *metrics.Metrics
	NewCall   handlers.CallFactory
}

type Server struct {
	cfg    config.Config
	deps   Dependencies
	logger *slog.Logger
	mux    *http.ServeMux

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			MaxCalls:    cfg.MaxConcurrentCalls,
			AcceptRPS:   cfg.AcceptRPS,
			AcceptBurst: cfg.AcceptBurst,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Registry:  s.deps.Registry,
	})

	if s.deps.NewCall != nil {
		media := handlers.MediaHandler{
			Config:    s.cfg,
			Logger:    s.logger,
			Lifecycle: s.deps.Lifecycle,
			Limiter:   s.limiter,
			NewCall:   s.deps.NewCall,
		}
		if s.deps.Metrics != nil {
			media.Metrics = s.deps.Metrics
		}
		s.mux.Handle(s.cfg.MediaPath, media)
	}
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.cfg.DebugEndpoints {
		s.mux.Handle("/debug/calls", handlers.CallsHandler{Registry: s.deps.Registry})
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

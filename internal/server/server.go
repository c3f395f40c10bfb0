// Package server assembles the HTTP surface: REST handlers, the WebSocket
// event stream, middleware, and the metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/tzhukov/immaterium/internal/api/http"
	"github.com/tzhukov/immaterium/internal/api/middleware"
	"github.com/tzhukov/immaterium/internal/config"
	"github.com/tzhukov/immaterium/internal/engine"
	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/monitoring"
	"github.com/tzhukov/immaterium/internal/persist"
	"github.com/tzhukov/immaterium/internal/ws"
)

// Version is the service version reported on the banner endpoint.
const Version = "0.3.0"

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	engine   *engine.Engine
	recorder persist.Recorder
	metrics  *monitoring.Metrics
	httpSrv  *http.Server
}

// New builds the server from configuration.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	var recorder persist.Recorder = persist.Noop{}
	if cfg.History.Enabled {
		jsonl, err := persist.OpenJSONL(cfg.History.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open history recorder: %w", err)
		}
		recorder = jsonl
	}

	eng := engine.New(cfg, log, metrics, recorder)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(eng, Version)
	wsHandler := ws.NewHandler(eng, log, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/contexts", handlers.CreateContext)
	router.GET("/contexts", handlers.ListContexts)
	router.GET("/contexts/:id", handlers.GetContext)
	router.DELETE("/contexts/:id", handlers.CloseContext)
	router.PUT("/contexts/:id/workdir", handlers.SetWorkingDir)
	router.POST("/contexts/:id/cancel", handlers.CancelRunning)
	router.GET("/contexts/:id/export", handlers.Export)
	router.GET("/contexts/:id/ai-context", handlers.AIContext)

	router.POST("/contexts/:id/blocks", handlers.SubmitBlock)
	router.GET("/contexts/:id/blocks", handlers.ListBlocks)
	router.GET("/contexts/:id/blocks/:block_id", handlers.GetBlock)
	router.DELETE("/contexts/:id/blocks/:block_id", handlers.DeleteBlock)
	router.POST("/contexts/:id/blocks/:block_id/cancel", handlers.CancelBlock)
	router.PUT("/contexts/:id/blocks/:block_id/collapsed", handlers.SetCollapsed)
	router.POST("/contexts/:id/blocks/:block_id/edit", handlers.EditBlock)
	router.POST("/contexts/:id/blocks/:block_id/submit", handlers.SubmitEditing)

	router.GET("/contexts/:id/stream", wsHandler.HandleConnection)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	return &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		engine:   eng,
		recorder: recorder,
		metrics:  metrics,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Engine exposes the execution engine, mainly for tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("listening", zap.String("addr", s.httpSrv.Addr))

	go s.trackUptime()

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, closes all execution contexts, and
// flushes the history recorder.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	err := s.httpSrv.Shutdown(ctx)
	s.engine.Shutdown()
	if cerr := s.recorder.Close(); cerr != nil {
		s.log.Warn("history recorder close failed", zap.Error(cerr))
	}
	return err
}

func (s *Server) trackUptime() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.metrics.UpdateUptime()
	}
}

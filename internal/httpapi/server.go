package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/usecase"
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
)

// Deps wires the API to the use cases it exposes. Nil use cases answer 503.
type Deps struct {
	Downloads *usecase.Downloads
	Pipeline  *usecase.Pipeline
	Publisher *usecase.Publisher
	Regions   []config.RegionConfig
	Config    config.HTTPConfig
	Logger    *slog.Logger
}

// Server exposes download sessions, crawl jobs and their progress streams over HTTP.
type Server struct {
	cfg       config.HTTPConfig
	engine    *gin.Engine
	downloads *usecase.Downloads
	pipeline  *usecase.Pipeline
	publisher *usecase.Publisher
	regions   map[string]struct{}
	jobs      *jobs
	logger    *slog.Logger
}

// New builds the gin engine and registers routes.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	cfg := deps.Config
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		cfg:       cfg,
		engine:    gin.New(),
		downloads: deps.Downloads,
		pipeline:  deps.Pipeline,
		publisher: deps.Publisher,
		regions:   make(map[string]struct{}, len(deps.Regions)),
		jobs:      newJobs(time.Hour),
		logger:    logging.OrDiscard(deps.Logger).With("component", "http"),
	}
	for _, r := range deps.Regions {
		s.regions[r.Name] = struct{}{}
	}

	s.engine.Use(gin.Recovery(), s.requestLogger(), requestMetrics())
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.POST("/downloads", s.startDownloads)
	v1.GET("/downloads/:id", s.getDownload)
	v1.DELETE("/downloads/:id", s.deleteDownload)
	v1.GET("/downloads/:id/events", s.downloadEvents)
	v1.POST("/crawl/:region", s.startCrawl)
	v1.GET("/crawl/jobs/:id", s.getCrawlJob)
	v1.GET("/crawl/jobs/:id/events", s.crawlEvents)
	v1.GET("/pending/:region", s.pending)
	return s
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	if s.downloads != nil {
		body["download_sessions"] = s.downloads.Sessions().Len()
	}
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if n, err := s.publisher.Published(ctx); err != nil {
			body["documents_error"] = err.Error()
		} else {
			body["documents"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

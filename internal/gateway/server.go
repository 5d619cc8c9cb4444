// Package gateway is the HTTP face of ccgateway: the chat-completions
// orchestrator, the gin router and middleware around it, and the operational
// endpoints (models, health, stats, metrics).
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/alexander-akhmetov/ccgateway/internal/cache"
	"github.com/alexander-akhmetov/ccgateway/internal/config"
	"github.com/alexander-akhmetov/ccgateway/internal/session"
)

// shutdownGrace is how long in-flight requests (including open SSE streams)
// get to finish after a shutdown signal.
const shutdownGrace = 15 * time.Second

// Server wires the orchestrator, its shared state, and the HTTP surface.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	orch    *Orchestrator
	store   *session.Store
	cache   *cache.Cache
	metrics *Metrics
}

// New assembles a Server from configuration. spawn may be nil to use the
// production cliproc spawner; tests pass scripted spawners.
func New(cfg *config.Config, spawn SpawnFunc) *Server {
	if spawn == nil {
		spawn = NewSpawnFunc(cfg)
	}

	store := session.NewStore(session.Config{
		MaxSessions: cfg.Session.MaxConcurrent,
		IdleTimeout: cfg.Session.IdleTimeout(),
	})
	respCache := cache.New(cache.Config{
		TTL:        cfg.Cache.TTL(),
		MaxEntries: cfg.Cache.MaxEntries,
	})
	images := &LocalImageResolver{
		AllowedDirs: cfg.Images.AllowedDirs,
		TempDir:     cfg.Images.TempDir,
	}

	orch := NewOrchestrator(OrchestratorConfig{
		TurnTimeout:      cfg.Session.TurnTimeout(),
		CacheEnabled:     cfg.Cache.Enabled,
		StreamChunkBytes: cfg.Stream.ChunkBytes,
	}, store, respCache, images, spawn)

	metrics := NewMetrics(store, respCache)
	orch.SetMetrics(metrics)

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		store:   store,
		cache:   respCache,
		metrics: metrics,
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		recoveryMiddleware(),
		requestIDMiddleware(),
		loggingMiddleware(),
		corsMiddleware(),
	)

	engine.GET("/health", s.handleHealth)
	engine.GET("/stats", s.handleStats)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := engine.Group("/v1", authMiddleware(s.cfg.APIKey))
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleModels)
	v1.GET("/models/:id", s.handleModelByID)

	return engine
}

// Handler exposes the assembled router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests and
// closes every pooled session.
func (s *Server) Run(ctx context.Context) error {
	s.store.StartReaper(ctx, s.cfg.Session.ReapInterval())
	if s.cfg.Cache.Enabled {
		s.cache.StartSweeper(ctx, s.cfg.Cache.SweepInterval())
	}

	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.cfg.Listen).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.store.CloseAll()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.store.CloseAll()
		return err
	}
}

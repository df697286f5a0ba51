// Package webd is the HTTP and websocket surface of the tile engine:
// tile retrieval through the cache/fetch path, bulk-download task
// management, and live progress broadcasting.
package webd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Wanan0708/tilemapd/cache"
	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/scheduler"
	"github.com/gorilla/mux"
	"github.com/olahol/melody"
)

type WebDaemon struct {
	Config *params.WebDaemonConfig

	logger         *slog.Logger
	melodyInstance *melody.Melody

	store    *cache.Cache
	pool     *fetch.Pool
	manifest *scheduler.ManifestStore
	sched    *scheduler.Scheduler

	started time.Time
	server  *http.Server
	cancel  context.CancelFunc

	done      chan struct{}
	interrupt chan struct{}
}

func NewWebDaemon(config *params.WebDaemonConfig) (*WebDaemon, error) {
	logger := slog.With("d", "web")
	if config == nil {
		logger.Warn("No config provided, using default")
		config = params.DefaultWebDaemonConfig()
	}

	store, err := cache.New(config.CacheConfig)
	if err != nil {
		return nil, err
	}
	pool := fetch.NewPool(config.FetchConfig, config.ProviderConfig, store)
	manifest := scheduler.NewManifestStore(config.SchedulerConfig.ManifestPath)
	sched := scheduler.NewScheduler(config.SchedulerConfig, manifest, pool, store.Exists)

	return &WebDaemon{
		Config:    config,
		logger:    logger,
		store:     store,
		pool:      pool,
		manifest:  manifest,
		sched:     sched,
		done:      make(chan struct{}, 1),
		interrupt: make(chan struct{}, 1),
	}, nil
}

// Start brings up the fetch pool, the scheduler, and the HTTP server,
// and does not wait. Use Wait to block until shutdown completes.
func (s *WebDaemon) Start() error {
	s.started = time.Now()

	if err := s.manifest.Load(); err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	s.pool.Start()

	go func() {
		if _, err := s.store.Discover(); err != nil {
			s.logger.Warn("Cache discovery failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sched.Run(ctx)
	s.initMelody(ctx)

	listener, err := net.Listen(s.Config.Network, s.Config.Address)
	if err != nil {
		cancel()
		return err
	}
	s.server = &http.Server{Handler: s.NewRouter()}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	go s.shutdownOnInterrupt()

	s.logger.Info("Web daemon started", "addr", s.Config.Address)
	return nil
}

func (s *WebDaemon) shutdownOnInterrupt() {
	<-s.interrupt
	s.logger.Info("Web daemon interrupted, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	_ = s.melodyInstance.Close()
	s.cancel()
	s.pool.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Cache close failed", "error", err)
	}
	s.done <- struct{}{}
}

func (s *WebDaemon) Wait() {
	<-s.done
}

func (s *WebDaemon) Interrupt() {
	s.interrupt <- struct{}{}
}

func (s *WebDaemon) NewRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(false)
	router.Use(loggingMiddleware)

	router.Path("/sock").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = s.melodyInstance.HandleRequest(w, r)
	})

	apiRoutes := router.NewRoute().Subrouter()

	// All API routes use permissive CORS settings.
	apiRoutes.Use(permissiveCorsMiddleware)

	// /ping is a simple server healthcheck endpoint
	apiRoutes.Path("/ping").HandlerFunc(pingPong)

	apiRoutes.Path("/tiles/{z}/{x}/{y}.png").HandlerFunc(s.handleGetTile).Methods(http.MethodGet)

	apiJSONRoutes := apiRoutes.NewRoute().Subrouter()
	jsonMiddleware := contentTypeMiddlewareFunc("application/json")
	apiJSONRoutes.Use(jsonMiddleware)

	apiJSONRoutes.Path("/status").HandlerFunc(s.statusReport).Methods(http.MethodGet)
	apiJSONRoutes.Path("/cache/summary").HandlerFunc(s.handleCacheSummary).Methods(http.MethodGet)
	apiJSONRoutes.Path("/tasks").HandlerFunc(s.handleListTasks).Methods(http.MethodGet)

	mutatingRoutes := apiJSONRoutes.NewRoute().Subrouter()
	mutatingRoutes.Use(tokenAuthenticationMiddleware)

	mutatingRoutes.Path("/tasks").HandlerFunc(s.handleCreateTask).Methods(http.MethodPost)
	mutatingRoutes.Path("/tasks/{id}/pause").HandlerFunc(s.handlePauseTask).Methods(http.MethodPost)
	mutatingRoutes.Path("/tasks/{id}/resume").HandlerFunc(s.handleResumeTask).Methods(http.MethodPost)
	mutatingRoutes.Path("/tasks/{id}/cancel").HandlerFunc(s.handleCancelTask).Methods(http.MethodPost)

	return router
}

// Package server exposes the HTTP surface: the deletion RPC, the poll and
// cleanup triggers, source seeding and status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"newsriver/pkg/lifecycle"
	"newsriver/pkg/scheduler"
	"newsriver/pkg/store"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	store     Store
	scheduler Scheduler
	lifecycle Lifecycle
	version   string
	debug     bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Store interface for server operations
type Store interface {
	CreateSource(ctx context.Context, src *store.Source) error
	GetSources(ctx context.Context) ([]store.Source, error)
	SetSourceActive(ctx context.Context, sourceID int64, active bool) error
	CountItems(ctx context.Context) (int64, error)
	CountStoryGroups(ctx context.Context) (int64, error)
	PendingRemovals(ctx context.Context) (int64, error)
}

// Scheduler interface for on-demand trigger operations
type Scheduler interface {
	PollNow(ctx context.Context) scheduler.RunResult
	CleanupNow(ctx context.Context) (lifecycle.Result, error)
}

// Lifecycle interface for the deletion RPC and selective cleanup actions
type Lifecycle interface {
	Run(ctx context.Context, action lifecycle.Action, sourceID int64) (lifecycle.Result, error)
	DeleteSource(ctx context.Context, sourceID int64) (int64, error)
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// New initializes a new server instance
func New(cfg ConfigProvider, st Store, sched Scheduler, lc Lifecycle, version string, debug bool) *Server {
	s := &Server{
		config:    cfg,
		store:     st,
		scheduler: sched,
		lifecycle: lc,
		version:   version,
		debug:     debug,
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("newsriver", "newsriver", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("POST /poll", s.pollHandler)
		r.HandleFunc("POST /cleanup", s.cleanupHandler)
		r.HandleFunc("GET /sources", s.listSourcesHandler)
		r.HandleFunc("POST /sources", s.createSourceHandler)
		r.HandleFunc("PUT /sources/{id}/active", s.setSourceActiveHandler)
		r.HandleFunc("DELETE /sources/{id}", s.deleteSourceHandler)
	})
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/nshkrdotcom/codex-sdk-sub004/codex"
	"github.com/nshkrdotcom/codex-sdk-sub004/config"
	"github.com/nshkrdotcom/codex-sdk-sub004/log"
	"github.com/nshkrdotcom/codex-sdk-sub004/notifications"
)

// Server owns and coordinates all application components
type Server struct {
	cfg *Config

	// Components (owned by server)
	codexManager *codex.Manager
	notifService *notifications.Service

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (WebSocket, SSE) and the config watcher listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup

	// HTTP
	router   *gin.Engine
	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New creates a new server with all components initialized
func New(cfg *Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	// 1. Create notifications service
	log.Info().Msg("initializing notifications service")
	s.notifService = notifications.NewService()

	// 2. Create codex supervisor; it reports lifecycle changes as notifications
	log.Info().Str("codexPath", cfg.CodexPath).Msg("initializing codex manager")
	s.codexManager = codex.NewManager(cfg.ToManagerOptions(), s.notifService)

	// 3. Setup HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	// Set Gin mode
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create router
	s.router = gin.New()

	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip SSE and WebSocket endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/api/notifications/stream", // SSE - needs streaming
		"/api/codex/events",         // WebSocket - protocol upgrade
	})))

	// Trust proxy headers
	s.router.SetTrustedProxies(nil)

	// Note: API routes should be set up by calling code (main.go)
	// to avoid import cycles
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// The bridge serves JSON only
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")

		c.Next()
	}
}

// StartComponents starts the codex connection and the config watcher.
// A failed first handshake is logged, not fatal: status reports it and
// the manager keeps retrying in the background when auto restart is on.
func (s *Server) StartComponents(ctx context.Context) {
	log.Info().Msg("starting server components")

	if err := s.codexManager.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start codex app-server")
	}

	if s.cfg.ConfigPath != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchConfig()
		}()
	}
}

// watchConfig applies the log level from the overlay file on every change
func (s *Server) watchConfig() {
	log.Info().Str("path", s.cfg.ConfigPath).Msg("watching config file")

	err := config.Watch(s.shutdownCtx, s.cfg.ConfigPath, func(cfg *config.Config, err error) {
		if err != nil {
			log.Warn().Err(err).Str("path", s.cfg.ConfigPath).Msg("config reload failed")
			return
		}
		if cfg.LogLevel != "" {
			log.SetLevel(cfg.LogLevel)
		}
		log.Info().
			Str("path", cfg.Path).
			Str("logLevel", cfg.LogLevel).
			Msg("config reloaded, codex settings apply on next restart")
		s.notifService.NotifyConfigReloaded(cfg.Path)
	})
	if err != nil {
		log.Error().Err(err).Msg("config watcher stopped")
	}
}

// Listen binds the HTTP listener without serving yet
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server already listening on %s", s.listener.Addr())
	}

	// Create HTTP server
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve starts background services and serves HTTP (blocks).
// Components start alongside the listener so health checks and status
// answer while the app-server handshake is still pending.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.http, s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server not listening")
	}
	if s.shutdownCtx.Err() != nil {
		ln.Close()
		return http.ErrServerClosed
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.StartComponents(s.shutdownCtx)
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return srv.Serve(ln)
}

// Start binds the listener, then serves
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound listen address, or "" before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Cancel the shutdown context to signal all long-running handlers (WebSocket, SSE)
	log.Info().Msg("signaling handlers to stop")
	s.shutdownCancel()

	// Give handlers a moment to process the cancellation and close connections.
	// This prevents "response.WriteHeader on hijacked connection" warnings.
	time.Sleep(100 * time.Millisecond)

	// 2. Close notification service to cleanly disconnect SSE clients
	s.notifService.Shutdown()

	// 3. Shutdown HTTP server (stop accepting new requests and wait for existing ones)
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// 4. Stop the app-server last so in-flight requests can finish
	if err := s.codexManager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("codex manager shutdown error")
		return err
	}
	s.wg.Wait()

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors for API handlers
func (s *Server) Codex() *codex.Manager                 { return s.codexManager }
func (s *Server) Notifications() *notifications.Service { return s.notifService }
func (s *Server) Router() *gin.Engine                   { return s.router }
func (s *Server) ShutdownContext() context.Context      { return s.shutdownCtx }

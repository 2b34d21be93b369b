package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	authcfg "github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/errors"
	"github.com/wudi/authgate/internal/logging"
)

// Server runs the public listener, the admin listener and the config
// watcher around a Gateway.
type Server struct {
	gateway    *Gateway
	public     *http.Server
	admin      *http.Server
	watcher    *config.Watcher
	loader     *config.Loader
	configPath string
	startTime  time.Time

	publicLn net.Listener
	adminLn  net.Listener

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a server for cfg. configPath enables file watching and
// SIGHUP reloads; it may be empty.
func NewServer(ctx context.Context, cfg *authcfg.Config, configPath string, opts ...Option) (*Server, error) {
	gw, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		loader:     config.NewLoader(),
		configPath: configPath,
		startTime:  time.Now(),
	}

	l := cfg.Listener
	s.public = &http.Server{
		Addr:              l.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       l.ReadTimeout,
		ReadHeaderTimeout: l.ReadHeaderTimeout,
		WriteTimeout:      l.WriteTimeout,
		IdleTimeout:       l.IdleTimeout,
		MaxHeaderBytes:    l.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, s.loader)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		w.OnChange(func(c *authcfg.Config) { s.applyReload(c) })
		w.OnError(func(err error) { s.recordReloadFailure(err) })
		s.watcher = w
	}

	return s, nil
}

// Start binds the listeners and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.public.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.public.Addr, err)
	}
	s.publicLn = ln

	if s.admin != nil {
		aln, err := net.Listen("tcp", s.admin.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.admin.Addr, err)
		}
		s.adminLn = aln
		go func() {
			logging.Info("Starting admin server", zap.String("address", aln.Addr().String()))
			if err := s.admin.Serve(aln); err != nil && err != http.ErrServerClosed {
				logging.Error("Admin server error", zap.Error(err))
			}
		}()
	}

	go func() {
		logging.Info("Starting listener", zap.String("address", ln.Addr().String()))
		if err := s.public.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("Listener error", zap.Error(err))
		}
	}()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("Config watcher not started", zap.Error(err))
		}
	}
	return nil
}

// Addr returns the bound public address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.publicLn == nil {
		return nil
	}
	return s.publicLn.Addr()
}

// AdminAddr returns the bound admin address, or nil when the admin server
// is disabled or not started.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("Config reloaded", zap.Strings("changes", result.Changes))
			} else {
				logging.Error("Config reload failed", zap.String("error", result.Error))
			}
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(s.gateway.Config().Listener.ShutdownTimeout)
		}
	}
	return nil
}

// Shutdown stops both listeners, waiting up to timeout for in-flight
// requests, then releases the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// ReloadConfig loads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
	}
	cfg, err := s.loader.Load(s.configPath)
	if err != nil {
		return s.recordReloadFailure(err)
	}
	return s.applyReload(cfg)
}

// ReloadWithConfig validates cfg and applies it as if it had been read
// from the config file.
func (s *Server) ReloadWithConfig(cfg *authcfg.Config) ReloadResult {
	if err := config.Validate(cfg); err != nil {
		return s.recordReloadFailure(err)
	}
	return s.applyReload(cfg)
}

func (s *Server) applyReload(cfg *authcfg.Config) ReloadResult {
	result := s.gateway.Reload(cfg)
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
	return result
}

func (s *Server) recordReloadFailure(err error) ReloadResult {
	s.gateway.Metrics().RecordReload(false)
	result := ReloadResult{
		Timestamp: time.Now(),
		Error:     fmt.Sprintf("config load failed: %v", err),
	}
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
	return result
}

// ReloadHistory returns a copy of the recent reload results.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// Handler returns the public handler.
func (s *Server) Handler() http.Handler {
	return s.public.Handler
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.New(http.StatusMethodNotAllowed, "method not allowed").WriteJSON(w)
	})

	router.GET("/healthz", s.handleHealth)
	router.HEAD("/healthz", s.handleHealth)

	cfg := s.gateway.Config()
	if cfg.Admin.Metrics {
		router.Handler(http.MethodGet, cfg.Admin.MetricsPath, s.gateway.Metrics().Handler())
	}

	router.GET("/admin/skiplist", s.handleSkipList)
	router.GET("/admin/config", s.handleConfig)
	router.GET("/admin/stats", s.handleStats)
	router.GET("/admin/reload", s.handleReloadStatus)
	router.POST("/admin/reload", s.handleReload)
	router.DELETE("/admin/token-cache", s.handlePurgeTokenCache)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := map[string]interface{}{
		"tracing": map[string]bool{"enabled": s.gateway.Tracer().IsEnabled()},
	}
	if cb := s.gateway.GetStats().CircuitBreaker; cb != nil {
		checks["upstream_circuit"] = cb.State
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleSkipList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resolver := s.gateway.Gate().Resolver()
	builtin, configured := resolver.Patterns()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"builtin":    builtin,
		"configured": configured,
		"total":      resolver.Len(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	redacted, err := authcfg.RedactConfig(s.gateway.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":  time.Since(s.startTime).String(),
		"gateway": s.gateway.GetStats(),
		"reloads": len(s.ReloadHistory()),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// handlePurgeTokenCache drops every cached verification, e.g. after
// rotating the signing key out of band.
func (s *Server) handlePurgeTokenCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cache := s.gateway.TokenCache()
	if cache == nil {
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	n := cache.Len()
	cache.Purge()
	logging.Info("token cache purged", zap.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/patch"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/store"
)

// ProxyController is the lifecycle surface the control API drives.
type ProxyController interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (lifecycle.Status, error)
	Stop(ctx context.Context) (lifecycle.StopResult, error)
	Revert(ctx context.Context) (patch.RevertResult, error)
	Status() lifecycle.Status
}

// Options wires the server to the rest of the process.
type Options struct {
	Config   config.ServerConfig
	Proxy    ProxyController
	Store    store.Store
	Registry *provider.Registry
	Hub      *ThreatHub
	Version  string
}

// Server is the control-plane HTTP API.
type Server struct {
	config     config.ServerConfig
	proxy      ProxyController
	store      store.Store
	registry   *provider.Registry
	hub        *ThreatHub
	version    string
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")
	if opts.Registry == nil {
		opts.Registry = provider.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewThreatHub(logger, opts.Config.CORS)
	}
	s := &Server{
		config:   opts.Config,
		proxy:    opts.Proxy,
		store:    opts.Store,
		registry: opts.Registry,
		hub:      opts.Hub,
		version:  opts.Version,
		mux:      http.NewServeMux(),
		logger:   logger,
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Proxy lifecycle
	s.mux.HandleFunc("GET /api/proxy/status", s.handleProxyStatus)
	s.mux.HandleFunc("POST /api/proxy/start", s.handleProxyStart)
	s.mux.HandleFunc("POST /api/proxy/stop", s.handleProxyStop)
	s.mux.HandleFunc("POST /api/proxy/revert", s.handleProxyRevert)

	s.mux.HandleFunc("GET /api/providers", s.handleListProviders)

	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)

	// Threat log
	s.mux.HandleFunc("GET /api/threats", s.handleListThreats)
	s.mux.HandleFunc("GET /api/threats/{id}", s.handleGetThreat)
	s.mux.HandleFunc("POST /api/threats/verify", s.handleVerifyChain)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	s.mux.HandleFunc("GET /api/ws/threats", s.hub.HandleWebSocket)
}

// Handler returns the root handler, wrapped with CORS when enabled.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start listens on the configured address and blocks until the server
// stops. http.ErrServerClosed is returned as nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.APIAddr())
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve runs the API on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	go s.hub.Run()

	s.logger.Info("control API listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the API server and drops live feed clients.
// Calling it before Serve makes a later Serve return immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Hub returns the live threat feed.
func (s *Server) Hub() *ThreatHub {
	return s.hub
}

// APIAddr returns host:port for the API listener.
func (s *Server) APIAddr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

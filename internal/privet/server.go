// Package privet implements the device's local HTTP API: unauthenticated
// discovery and pairing, bearer-token-gated command execution and state
// access, and a push notifications channel. The server holds only weak
// (non-owning) references to the controller, catalog and security manager
// it fronts; none of their lifecycles are managed here.
package privet

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"

	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
	"deviceagent/internal/gcd"
	"deviceagent/internal/security"
)

// Server serves the Privet v3 HTTP API.
type Server struct {
	controller *gcd.Controller
	catalog    *catalog.Catalog
	security   *security.Manager
	store      config.Store
	events     *eventbus.Bus

	logger         *slog.Logger
	allowedOrigins []string

	mux        *http.ServeMux
	httpServer *http.Server
	wsHub      *WSHub
	unsubEvent func()
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default stderr logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAllowedOrigins restricts which Origin headers the notifications
// websocket endpoint accepts; unset, nhooyr's same-origin default applies.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// NewServer builds a Server wired to controller's weak collaborators.
func NewServer(controller *gcd.Controller, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		catalog:    controller.Catalog(),
		security:   controller.Security(),
		store:      controller.Store(),
		events:     controller.Events(),
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wsHub = NewWSHub(s.logger)
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /privet/info", s.handleInfo)
	s.mux.HandleFunc("POST /privet/v3/auth", s.handleAuth)
	s.mux.HandleFunc("POST /privet/v3/pairing/start", s.handlePairingStart)
	s.mux.HandleFunc("POST /privet/v3/pairing/confirm", s.handlePairingConfirm)
	s.mux.HandleFunc("POST /privet/v3/pairing/cancel", s.handlePairingCancel)
	s.mux.HandleFunc("POST /privet/v3/setup/start", s.handleSetupStart)
	s.mux.HandleFunc("GET /privet/v3/setup/status", s.handleSetupStatus)
	s.mux.HandleFunc("GET /privet/v3/commandDefs", s.handleCommandDefs)
	s.mux.HandleFunc("POST /privet/v3/commands/execute", s.handleCommandsExecute)
	s.mux.HandleFunc("GET /privet/v3/commands/status", s.handleCommandsStatus)
	s.mux.HandleFunc("POST /privet/v3/commands/cancel", s.handleCommandsCancel)
	s.mux.HandleFunc("GET /privet/v3/state", s.handleState)
	s.mux.HandleFunc("GET /privet/v3/notifications", s.handleNotifications)
}

// ServeHTTP lets Server plug directly into http.Server or a test client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.mux.ServeHTTP(w, r)
}

// Start runs the hub loop, subscribes to the event bus for notification
// fan-out, and begins serving addr. It returns once the listener is up;
// serve errors after that are logged, not returned.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.unsubEvent = s.events.OnAll(func(e eventbus.Event) {
		s.wsHub.Broadcast(e)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("privet server exited", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener and the notifications hub.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubEvent != nil {
		s.unsubEvent()
	}
	s.wsHub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

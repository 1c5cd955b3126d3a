package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/Tyrowin/investor-relay/internal/state"
	"github.com/Tyrowin/investor-relay/internal/storage"
)

// Server assembles the store, hub, router and HTTP surface of one relay process.
type Server struct {
	cfg    Config
	store  *state.Store
	hub    *Hub
	router *EventRouter
	http   *http.Server
	log    *slog.Logger
}

// New builds a relay whose uploads are written to cfg.UploadDir on fs.
func New(cfg Config, fs afero.Fs, log *slog.Logger) (*Server, error) {
	cfg = cfg.Sanitize()

	disk, err := storage.NewDisk(fs, cfg.UploadDir)
	if err != nil {
		return nil, err
	}

	store := state.NewStore()
	hub := NewHub(log.With("component", "hub"))
	router := NewEventRouter(store, hub, cfg.AdminToken != "", log.With("component", "router"))
	handlers := NewHandlers(cfg, store, hub, router, disk, log.With("component", "http"))

	return &Server{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		router: router,
		http:   CreateServer(cfg.Port, SetupRoutes(handlers)),
		log:    log,
	}, nil
}

// Store exposes the relay state for read-only inspection.
func (s *Server) Store() *state.Store {
	return s.store
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start launches the hub loop and the router loop; cancelling ctx stops the router.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run()
	go s.router.Run(ctx)
	s.log.Info("Hub and event router started")
}

// Run starts the relay and serves HTTP until ctx is cancelled, then shuts
// everything down within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()
	s.Start(routerCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := StartServer(s.http, s.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested")
	case serveErr = <-errCh:
	}

	shutdownErr := ShutdownServer(s.http, s.cfg.ShutdownTimeout, s.log)
	hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
	stopRouter()
	<-s.router.Done()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return errors.Join(shutdownErr, hubErr)
}

// CreateServer creates an HTTP server with production timeouts. WriteTimeout
// leaves room for a 10 MiB upload over a slow link.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// StartServer listens and serves until the server is closed.
func StartServer(server *http.Server, log *slog.Logger) error {
	log.Info("Server listening", "addr", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server within timeout.
func ShutdownServer(server *http.Server, timeout time.Duration, log *slog.Logger) error {
	log.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}

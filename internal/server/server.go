package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/shellshare/internal/config"
	"github.com/user/shellshare/internal/hub"
)

// Server is the single listening HTTP server. It serves no assets and no
// API; the websocket handler is mounted at the root path and is the only
// route this process exposes.
type Server struct {
	httpServer *http.Server
}

func New(cfg *config.Config, h *hub.Hub) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.HandleWebSocket)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.Port),
			Handler: mux,
		},
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully within a bounded timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

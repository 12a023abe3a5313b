package listener

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MeowExort/pw-hub-relics/internal/observability"
)

// Server wraps an http.Server with the timeouts a public edge needs.
// The gateway and the admin plane each get their own instance.
type Server struct {
	addr   string
	srv    *http.Server
	logger *observability.Logger
}

func NewServer(addr string, handler http.Handler, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Infow("listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

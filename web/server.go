package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server serves the trigger API.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer wires the handler group to a router and an http.Server.
func NewServer(addr string, handlers *HandlerGroup, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newRouter(handlers, logger),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		log: logger,
	}
}

func newRouter(handlers *HandlerGroup, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLog(logger), recoverPanics(logger))
	handlers.Register(r)

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		errc <- s.srv.ListenAndServe()
	}()

	s.log.Info("http server listening", zap.String("addr", s.srv.Addr))

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	s.log.Info("http server stopped")

	return nil
}

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ngoclaw/swarmfabric/pkg/safego"
	"go.uber.org/zap"
)

// Server wraps a Gateway's router in a standard http.Server with graceful
// shutdown, the same Start/Stop shape as the teacher's
// interfaces/http/server.go.
type Server struct {
	http   *http.Server
	usage  *UsageCounter
	logger *zap.Logger
}

// NewServer builds a Server listening on the Gateway's configured port.
func NewServer(g *Gateway, logger *zap.Logger) *Server {
	return &Server{
		http:   &http.Server{Addr: fmt.Sprintf(":%d", g.cfg.Port), Handler: g.Router()},
		usage:  g.usage,
		logger: logger.With(zap.String("component", "gateway-server")),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("starting gateway", zap.String("address", s.http.Addr))
	safego.Go(s.logger, "gateway-listen", func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", zap.Error(err))
		}
	})
}

// Stop gracefully shuts down the server, flushing usage accounting.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping gateway")
	if err := s.usage.Flush(); err != nil {
		s.logger.Warn("usage flush failed", zap.Error(err))
	}
	return s.http.Shutdown(ctx)
}

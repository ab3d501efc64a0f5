// Package server is the operational HTTP surface of a running peer: health
// and prometheus metrics. It does not expose the mesh operations.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Peer is the slice of hsp.Node the status routes read.
type Peer interface {
	PeerID() string
	Namespace() string
	ConnectionState() transport.State
	BreakerState() transport.BreakerState
}

type Config struct {
	Addr        string
	CorsOrigins []string
}

type Server struct {
	cfg     Config
	peer    Peer
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, peer Peer, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(peer.PeerID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		peer:    peer,
		logger:  logger,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("server.Run listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server.Run stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

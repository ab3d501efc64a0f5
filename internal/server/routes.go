package server

import (
	"net/http"
	"time"

	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// health reports 200 only while the connector is connected.
func (s *Server) health(c *gin.Context) {
	conn := s.peer.ConnectionState()
	status := "ok"
	code := http.StatusOK
	if conn != transport.StateConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"peer_id":    s.peer.PeerID(),
		"namespace":  s.peer.Namespace(),
		"connection": conn.String(),
		"breaker":    s.peer.BreakerState().String(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	})
}

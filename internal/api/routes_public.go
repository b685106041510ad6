package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dungeon-net/dungeond/internal/health"
)

// handleHealth answers 200 unless a critical check is failing.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusOK})
		return
	}

	report := s.deps.Health.Latest()
	code := http.StatusOK
	if report.Status == health.StatusDown {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// handleVersion returns build and protocol versions.
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":             "dungeond",
		"version":          s.deps.Version,
		"protocol_version": s.cfg.GetNetwork().ProtocolVersion,
		"instance_id":      s.cfg.Server.InstanceID,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

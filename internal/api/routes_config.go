package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/events"
)

// handleGetConfig returns the configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.View())
}

// handleSetLoopConfig validates and persists a new loop section. The
// running loop keeps its rates until the next start.
func (s *Server) handleSetLoopConfig(c *gin.Context) {
	var loopCfg config.LoopConfig
	if err := c.ShouldBindJSON(&loopCfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetLoop()
	s.cfg.SetLoop(loopCfg)

	result := config.Validate(s.cfg)
	if !result.IsValid() {
		s.cfg.SetLoop(previous)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "invalid loop configuration",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		s.cfg.SetLoop(previous)
		log.Error().Err(err).Msg("API: failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.bus.Emit(c.Request.Context(), events.Event{
		Type:    events.ConfigChanged,
		Source:  "api",
		Payload: map[string]string{"section": "loop"},
	})

	log.Info().Str("client_ip", c.ClientIP()).Msg("API: loop configuration updated")

	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"loop":             s.cfg.GetLoop(),
		"warnings":         result.Warnings,
		"restart_required": true,
	})
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/tracker"
)

// handleKickClient closes a client's connection. The client keeps its
// reconnect window.
func (s *Server) handleKickClient(c *gin.Context) {
	id, err := parseClientID(c)
	if err != nil {
		return
	}
	if !s.deps.Clients.Kick(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not connected", "client_id": id})
		return
	}

	log.Info().Uint16("client", id).Str("client_ip", c.ClientIP()).Msg("API: client kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "client_id": id})
}

type gameOverRequest struct {
	Reason string `json:"reason"`
}

// handleGameOver broadcasts GameOver and waits for delivery to every
// connected client.
func (s *Server) handleGameOver(c *gin.Context) {
	var req gameOverRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "ended by operator"
	}

	res := s.deps.Loop.GameOver(req.Reason)
	outcome := res.Wait(c.Request.Context())

	log.Info().Str("reason", req.Reason).Str("outcome", outcome.String()).Msg("API: game over")

	resp := gin.H{"status": "sent", "reason": req.Reason, "outcome": outcome.String()}
	if err := res.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type showDialogRequest struct {
	ID      string   `json:"id" binding:"required"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Buttons []string `json:"buttons"`
	Owner   int32    `json:"owner_entity"`
	Targets []int32  `json:"target_entities"`
}

// handleShowDialog shows an operator dialog. Any button response closes
// it for everyone.
func (s *Server) handleShowDialog(c *gin.Context) {
	var req showDialogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := tracker.Dialog{
		ID:        req.ID,
		Type:      req.Type,
		Title:     req.Title,
		Text:      req.Text,
		Buttons:   req.Buttons,
		Owner:     protocol.EntityID(req.Owner),
		Callbacks: make(map[string]tracker.DialogCallback, len(req.Buttons)),
	}
	if d.Type == "" {
		d.Type = "operator"
	}
	for _, target := range req.Targets {
		d.Targets = append(d.Targets, protocol.EntityID(target))
	}
	for _, button := range req.Buttons {
		d.Callbacks[button] = func(clientID uint16, payload string) {
			log.Info().Str("dialog", d.ID).Str("button", button).Uint16("client", clientID).Msg("operator dialog answered")
			s.deps.Dialogs.Close(d.ID, true)
		}
	}

	if _, err := s.deps.Dialogs.Show(d); err != nil {
		c.JSON(resourceErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "shown", "id": d.ID})
}

func (s *Server) handleCloseDialog(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Dialogs.Close(id, true) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dialog not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "id": id})
}

type playSoundRequest struct {
	Sound       string  `json:"sound" binding:"required"`
	Volume      float32 `json:"volume"`
	Looping     bool    `json:"looping"`
	Pitch       float32 `json:"pitch"`
	Pan         float32 `json:"pan"`
	MaxDistance float32 `json:"max_distance"`
	Attenuation float32 `json:"attenuation"`
	Entity      int32   `json:"entity"`
	Targets     []int32 `json:"target_entities"`
}

func (s *Server) handlePlaySound(c *gin.Context) {
	var req playSoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec := tracker.SoundSpec{
		SoundName:         req.Sound,
		BaseVolume:        req.Volume,
		Looping:           req.Looping,
		Pitch:             req.Pitch,
		Pan:               req.Pan,
		MaxDistance:       req.MaxDistance,
		AttenuationFactor: req.Attenuation,
		Entity:            protocol.EntityID(req.Entity),
	}
	if req.MaxDistance == 0 {
		spec.MaxDistance = -1
	}
	for _, target := range req.Targets {
		spec.TargetEntityIDs = append(spec.TargetEntityIDs, protocol.EntityID(target))
	}

	id, err := s.deps.Sounds.RegisterAndSend(spec)
	if err != nil {
		c.JSON(resourceErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "playing", "instance_id": id})
}

func (s *Server) handleStopSound(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sound instance id"})
		return
	}
	if !s.deps.Sounds.Stop(id, true) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sound not found", "instance_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "instance_id": id})
}

func resourceErrorStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

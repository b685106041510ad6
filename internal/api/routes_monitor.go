package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/db"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/util"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadLimit   = 512
	wsStreamQueue = 256
)

var streamSeq atomic.Uint64

// handleStatus combines loop counters, connection counts and host usage.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"server":   s.cfg.Server.Name,
		"loop":     s.deps.Loop.Stats(),
		"sessions": s.deps.Clients.SessionCount(),
		"clients":  len(s.deps.Clients.Clients()),
		"process":  util.GetProcessStats(),
	}
	if s.deps.Health != nil {
		resp["health"] = s.deps.Health.Latest()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListClients(c *gin.Context) {
	states := s.deps.Clients.Clients()
	infos := make([]client.Info, 0, len(states))
	for _, st := range states {
		infos = append(infos, st.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"clients": infos,
		"total":   len(infos),
	})
}

func (s *Server) handleGetClient(c *gin.Context) {
	id, err := parseClientID(c)
	if err != nil {
		return
	}
	for _, st := range s.deps.Clients.Clients() {
		if st.ID() == id {
			c.JSON(http.StatusOK, st.Info())
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "client not found", "client_id": id})
}

func (s *Server) handleListDialogs(c *gin.Context) {
	dialogs := s.deps.Dialogs.List()
	c.JSON(http.StatusOK, gin.H{"dialogs": dialogs, "total": len(dialogs)})
}

func (s *Server) handleListSounds(c *gin.Context) {
	sounds := s.deps.Sounds.List()
	c.JSON(http.StatusOK, gin.H{"sounds": sounds, "total": len(sounds)})
}

// handleSessionHistory serves the audit trail. Query parameters:
// username, client_id, since (RFC 3339) and limit.
func (s *Server) handleSessionHistory(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	filter := db.HistoryFilter{Username: c.Query("username")}
	if v := c.Query("client_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client_id"})
			return
		}
		filter.ClientID = uint16(id)
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		filter.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	history, err := s.deps.History.History(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("API: session history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": history, "total": len(history)})
}

func (s *Server) handlePlayers(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	players, err := s.deps.History.Players(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("API: players query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "players query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"players": players, "total": len(players)})
}

func (s *Server) handleAlerts(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := s.deps.History.Alerts(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("API: alerts query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alerts query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session database is disabled"})
		return false
	}
	return true
}

// handleEventStream upgrades to a websocket and streams bus events as
// JSON text frames. "types" restricts the stream to a comma-separated list
// of event types. A subscriber that falls behind loses events.
func (s *Server) handleEventStream(c *gin.Context) {
	filter := map[events.Type]bool{}
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[events.Type(t)] = true
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("API: websocket upgrade failed")
		return
	}
	defer conn.Close()

	name := fmt.Sprintf("api.ws.%d", streamSeq.Add(1))
	queue := make(chan events.Event, wsStreamQueue)
	done := make(chan struct{})
	var dropped atomic.Uint64

	s.bus.SubscribeAll(name, func(_ context.Context, e events.Event) error {
		if len(filter) > 0 && !filter[e.Type] {
			return nil
		}
		select {
		case queue <- e:
		case <-done:
		default:
			dropped.Add(1)
		}
		return nil
	})
	defer s.bus.Unsubscribe("", name)

	logger := log.With().Str("component", "api").Str("stream", name).Str("client_ip", c.ClientIP()).Logger()
	logger.Info().Msg("event stream opened")

	// The reader only watches for the peer going away.
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			logger.Info().Uint64("dropped", dropped.Load()).Msg("event stream closed")
			return
		case <-c.Request.Context().Done():
			return
		case e := <-queue:
			data, err := json.Marshal(e)
			if err != nil {
				logger.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to encode event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseClientID extracts the :id parameter, answering 400 when invalid.
func parseClientID(c *gin.Context) (uint16, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		if err == nil {
			err = fmt.Errorf("client id 0")
		}
		return 0, err
	}
	return uint16(id), nil
}

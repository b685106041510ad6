package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/db"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/health"
	"github.com/dungeon-net/dungeond/internal/loop"
	intnet "github.com/dungeon-net/dungeond/internal/network"
	"github.com/dungeon-net/dungeond/internal/session"
	"github.com/dungeon-net/dungeond/internal/tracker"
)

// LoopControl is the part of the server loop the API drives.
type LoopControl interface {
	Stats() loop.Stats
	GameOver(reason string) *session.Result
}

// ClientDirectory lists and kicks connected clients.
type ClientDirectory interface {
	Clients() []*client.State
	SessionCount() int
	Kick(clientID uint16) bool
}

// Dialogs is the dialog registry as seen by operators.
type Dialogs interface {
	List() []tracker.DialogInfo
	Show(d tracker.Dialog) (*session.Result, error)
	Close(id string, notify bool) bool
}

// Sounds is the sound registry as seen by operators.
type Sounds interface {
	List() []tracker.SoundInfo
	RegisterAndSend(spec tracker.SoundSpec) (int64, error)
	Stop(instanceID int64, notify bool) bool
}

// SessionHistory reads the audit store.
type SessionHistory interface {
	History(ctx context.Context, f db.HistoryFilter) ([]db.SessionEvent, error)
	Players(ctx context.Context) ([]db.PlayerSummary, error)
	Alerts(ctx context.Context, limit int) ([]db.Alert, error)
}

// HealthReporter exposes the last health report.
type HealthReporter interface {
	Latest() health.Report
}

// Deps are the components behind the API. History and Health may be nil.
type Deps struct {
	Version string
	Loop    LoopControl
	Clients ClientDirectory
	Dialogs Dialogs
	Sounds  Sounds
	History SessionHistory
	Health  HealthReporter
}

// Server is the admin REST API.
type Server struct {
	cfg  *config.Config
	bus  *events.Bus
	deps Deps

	upgrader   websocket.Upgrader
	started    time.Time
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its router.
func NewServer(cfg *config.Config, bus *events.Bus, deps Deps) *Server {
	if strings.EqualFold(cfg.Logging.Level, "debug") || strings.EqualFold(cfg.Logging.Level, "trace") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:     cfg,
		bus:     bus,
		deps:    deps,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.API.BindAddress, strconv.Itoa(s.cfg.API.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.API.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// Public
	router.GET("/health", s.handleHealth)
	router.GET("/version", s.handleVersion)

	v1 := router.Group("/api/v1")
	v1.Use(TokenAuth(s.cfg.API.Token))
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/clients", s.handleListClients)
		v1.GET("/clients/:id", s.handleGetClient)
		v1.GET("/dialogs", s.handleListDialogs)
		v1.GET("/sounds", s.handleListSounds)
		v1.GET("/sessions/history", s.handleSessionHistory)
		v1.GET("/sessions/players", s.handlePlayers)
		v1.GET("/alerts", s.handleAlerts)
		v1.GET("/events/ws", s.handleEventStream)

		v1.DELETE("/clients/:id", s.handleKickClient)
		v1.POST("/gameover", s.handleGameOver)
		v1.POST("/dialogs", s.handleShowDialog)
		v1.DELETE("/dialogs/:id", s.handleCloseDialog)
		v1.POST("/sounds", s.handlePlaySound)
		v1.DELETE("/sounds/:id", s.handleStopSound)

		v1.GET("/config", s.handleGetConfig)
		v1.PUT("/config/loop", s.handleSetLoopConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// checkOrigin applies the CORS origin list to websocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.API.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.API.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// dungeond - authoritative dungeon game server.
//
// dungeond runs the fixed-rate simulation loop, accepts game clients over
// TCP with a UDP side channel, keeps dialogs and sounds in sync across
// reconnects, and exposes an admin REST API, an operator console and MQTT
// telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/api"
	"github.com/dungeon-net/dungeond/internal/cli"
	"github.com/dungeon-net/dungeond/internal/client"
	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/db"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/health"
	"github.com/dungeon-net/dungeond/internal/loop"
	"github.com/dungeon-net/dungeond/internal/network"
	"github.com/dungeon-net/dungeond/internal/sim"
	"github.com/dungeon-net/dungeond/internal/telemetry"
	"github.com/dungeon-net/dungeond/internal/tracker"
	"github.com/dungeon-net/dungeond/internal/util"
)

const (
	AppName = "dungeond"
	Banner  = `
      _                                          _
   __| |_   _ _ __   __ _  ___  ___  _ __   __| |
  / _' | | | | '_ \ / _' |/ _ \/ _ \| '_ \ / _' |
 | (_| | |_| | | | | (_| |  __/ (_) | | | | (_| |
  \__,_|\__,_|_| |_|\__, |\___|\___/|_| |_|\__,_|
                    |___/  v%s
 Authoritative Dungeon Server
`
	shutdownTimeout = 30 * time.Second
	diskMaxUsed     = 95.0
)

// AppVersion is set at build time with -ldflags "-X main.AppVersion=...".
var AppVersion = "dev"

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting dungeond")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
		File:       cfg.Logging.File,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	telemetry.AppVersion = AppVersion

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---------------------------------------------------------------
	// Core: world, transport, resource trackers, loop
	// ---------------------------------------------------------------
	eventBus := events.NewBus()

	arena := sim.NewArena(arenaConfig(cfg))

	transport := network.NewTransport(network.OptionsFromConfig(cfg.GetNetwork(), cfg.GetLoop()), arena, eventBus)
	dialogs := tracker.NewDialogTracker(transport, transport, eventBus)
	sounds := tracker.NewSoundTracker(transport, transport, eventBus)
	transport.OnResume(func(state *client.State) {
		d := dialogs.ResyncToClient(state.ID())
		s := sounds.ResyncToClient(state.ID())
		log.Debug().Uint16("client", state.ID()).Int("dialogs", d).Int("sounds", s).Msg("resources resynced after reconnect")
	})

	serverLoop := loop.New(loop.OptionsFromConfig(cfg.GetLoop()), arena, transport, transport.Queue(), dialogs, sounds, eventBus)

	// ---------------------------------------------------------------
	// Supporting services
	// ---------------------------------------------------------------
	var store *db.SessionStore
	if cfg.Database.Enabled {
		store, err = db.NewSessionStore(cfg.Database.Path)
		if err != nil {
			log.Error().Err(err).Msg("failed to open session database, audit trail disabled")
			store = nil
		} else {
			defer store.Close()
			store.Subscribe(eventBus)
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry disabled")
			mqttHandler = nil
		} else {
			mqttHandler.SetMetadata("server_name", cfg.Server.Name)
			mqttHandler.SetMetadata("level", arena.LevelName())
		}
	}

	healthMgr := health.NewManager(eventBus, health.DefaultInterval, health.DefaultHeartbeat)
	healthMgr.Register("loop", true, health.LoopCheck(serverLoop))
	healthMgr.Register("transport", true, health.TransportCheck(transport))
	healthMgr.Register("disk", false, health.DiskCheck(diskPath(cfg), diskMaxUsed))
	if store != nil {
		healthMgr.Register("database", false, health.PingCheck(store))
	}
	healthMgr.SetHeartbeatStats(func() interface{} { return serverLoop.Stats() })

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Version: AppVersion,
			Loop:    serverLoop,
			Clients: transport,
			Dialogs: dialogs,
			Sounds:  sounds,
			Health:  healthMgr,
		}
		// A nil *SessionStore in the interface would defeat the API's
		// disabled-database check.
		if store != nil {
			deps.History = store
		}
		apiServer = api.NewServer(cfg, eventBus, deps)
	}

	console := cli.NewCLI(serverLoop, transport, dialogs, sounds, cancel, os.Stdin, os.Stdout)

	// ---------------------------------------------------------------
	// Launch
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	if !config.IsPortAvailable(cfg.Network.TCPPort) {
		log.Warn().Int("port", cfg.Network.TCPPort).Msg("game TCP port is in use, a previous instance may still be shutting down")
	}
	if err := startWithRetry(ctx, "transport", transport.Listen, 5); err != nil {
		log.Fatal().Err(err).Msg("failed to bind game ports")
	}
	log.Info().
		Str("tcp", transport.TCPAddr().String()).
		Str("udp", transport.UDPAddr().String()).
		Msg("game transport listening")

	// Task 1: client transport
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting client transport")
		if err := transport.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("transport: %w", err)
		}
	}()

	// Task 2: server loop
	if err := serverLoop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start server loop")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-serverLoop.Done()
		if err := serverLoop.Err(); err != nil {
			errCh <- fmt.Errorf("server loop: %w", err)
		}
	}()

	// Task 3: REST API
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Task 4: health checks and heartbeat
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	// Task 5: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 6: audit retention
	if store != nil && cfg.Database.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RunRetention(ctx, cfg.Database.RetentionDays)
		}()
	}

	// Task 7: interactive console
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		console.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")

	serverLoop.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("dungeond stopped")
}

// arenaConfig maps the world section onto the built-in arena.
func arenaConfig(cfg *config.Config) sim.ArenaConfig {
	ac := sim.DefaultArenaConfig()
	ac.Level = cfg.World.Level
	ac.Width = cfg.World.Width
	ac.Height = cfg.World.Height
	ac.Speed = cfg.World.Speed
	ac.Spawn.X = cfg.World.Width / 2
	ac.Spawn.Y = cfg.World.Height / 2
	ac.TickRate = cfg.GetLoop().TickRate
	return ac
}

// diskPath is the directory whose filesystem the disk check watches.
func diskPath(cfg *config.Config) string {
	if cfg.Database.Enabled && cfg.Database.Path != ":memory:" {
		return filepath.Dir(cfg.Database.Path)
	}
	return "."
}

// startWithRetry retries startFn on bind errors, waiting 3s between
// attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

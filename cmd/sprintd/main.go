package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sprintd/sprintd/internal/agent"
	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/config"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/events/bus"
	"github.com/sprintd/sprintd/internal/gateway/websocket"
	"github.com/sprintd/sprintd/internal/git"
	"github.com/sprintd/sprintd/internal/orchestrator"
	"github.com/sprintd/sprintd/internal/orchestrator/api"
	"github.com/sprintd/sprintd/internal/queue"
	"github.com/sprintd/sprintd/internal/scheduler"
	"github.com/sprintd/sprintd/internal/sprint"
	"github.com/sprintd/sprintd/internal/store"
	"github.com/sprintd/sprintd/internal/watcher"
	"github.com/sprintd/sprintd/internal/workers"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sprintd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Select the queue transport: NATS when configured, the in-process
	// engine as fallback, or none at all (degraded mode)
	var transport bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Warn("NATS unreachable, continuing without it",
				zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			transport = natsBus
			log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
		}
	}
	if transport == nil && cfg.Queue.MemoryFallback {
		transport = bus.NewMemoryEventBus(log)
		log.Info("Using in-process queue engine")
	}
	if transport == nil {
		log.Warn("No queue transport: sprint execution endpoints will refuse until one is configured")
	} else {
		defer transport.Close()
	}

	// 5. Event broadcaster feeding the observer gateway
	broadcaster := events.NewBroadcaster(log)

	// 6. State store and the role log sink mirroring task:log to disk
	st := store.New(cfg.Sprints.Root, broadcaster, log)
	log.Info("State store ready", zap.String("root", cfg.Sprints.Root))

	roleLogs := events.NewRoleLogSink(broadcaster, st, log)
	roleLogs.Start()

	// 7. Git coordinator
	gitCoord := git.NewCoordinator(cfg.Git, log)

	// 8. Agent registry and runner
	registry, err := agent.NewRegistry(cfg.Agent)
	if err != nil {
		log.Fatal("Failed to load agent registry", zap.Error(err))
	}
	runner := agent.NewRunner(registry, st, agent.NewSessionRegistry(), log)
	log.Info("Agent registry loaded", zap.Strings("roles", registry.Roles()))

	// 9. Approval gate
	gate := approval.NewGate(broadcaster, log)

	// 10. Queue binding with one consumer per role queue
	binding := queue.NewBinding(transport, cfg.Queue, log)
	sched := scheduler.New(st, gitCoord, binding, broadcaster, log)

	deps := &workers.Deps{
		Store:  st,
		Runner: runner,
		Git:    gitCoord,
		Sched:  sched,
		Queue:  binding,
		Gate:   gate,
		Events: broadcaster,
		Cfg:    cfg.Sprints,
		Log:    log,
	}
	slots := make([]string, 0, cfg.Sprints.DeveloperPool)
	for _, slot := range sprint.DeveloperPool()[:cfg.Sprints.DeveloperPool] {
		slots = append(slots, slot.ID)
	}
	workers.RegisterAll(binding, deps, slots)
	if err := binding.Start(ctx); err != nil {
		log.Fatal("Failed to start queue binding", zap.Error(err))
	}

	// 11. Orchestrator service
	svc := orchestrator.NewService(st, binding, sched, gate, gitCoord, cfg.Sprints, log)

	// 12. Hydrate persisted sprints; the ones that were mid-stage lost their
	// queued jobs with the previous process, so restart re-derives them
	active, err := st.LoadActiveSprints(ctx)
	if err != nil {
		log.Fatal("Failed to scan sprints root", zap.Error(err))
	}
	for _, sp := range active {
		log.WithSprint(sp.ID).Info("hydrated sprint", zap.String("status", string(sp.Status)))
		switch sp.Status {
		case sprint.StatusResearching, sprint.StatusPlanning, sprint.StatusRunning, sprint.StatusReviewing:
			if _, err := svc.Restart(ctx, sp.ID); err != nil {
				log.WithSprint(sp.ID).Warn("could not restart sprint at boot", zap.Error(err))
			}
		}
	}

	// 13. Observer websocket hub and stale task watcher, grouped so shutdown
	// can wait for both loops
	hub := websocket.NewHub(broadcaster, svc, log)
	wsHandler := websocket.NewHandler(hub, log)
	watch := watcher.New(svc, broadcaster, cfg.Sprints.StaleTaskThresholdDuration(), 0, log)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		watch.Run(runCtx)
		return nil
	})

	// 14. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log), api.Recovery(log), api.CORS())

	api.SetupRoutes(router.Group("/api"), svc, st, log)
	router.GET("/ws", wsHandler.HandleConnection)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sprintd...")

	// 17. Graceful shutdown: close observers first, then the HTTP listener,
	// then stop consuming jobs and flush the role logs
	cancel()
	_ = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	binding.Stop()
	roleLogs.Stop()
	broadcaster.Close()

	log.Info("sprintd stopped")
}

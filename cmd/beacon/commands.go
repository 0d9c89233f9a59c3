package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/beaconim/beacon/internal/auth"
	"github.com/beaconim/beacon/internal/calls"
	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/delivery"
	"github.com/beaconim/beacon/internal/gateway"
	"github.com/beaconim/beacon/internal/governor"
	"github.com/beaconim/beacon/internal/health"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/offline"
	"github.com/beaconim/beacon/internal/ratelimit"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/rooms"
	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		cfgFlag   string
		memoryDB  bool
		noMigrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		Long: `Starts the websocket endpoint, the resource governor's sweep
schedule, and the health/metrics HTTP surfaces, then blocks until
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cfgFlag))
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, memoryDB, !noMigrate)
		},
	}
	cmd.Flags().StringVarP(&cfgFlag, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&memoryDB, "memory", false, "Use the in-memory store instead of PostgreSQL (development only)")
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "Skip schema creation on startup")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, memoryDB, migrate bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "beacon",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	var (
		chats    store.ChatStore
		messages store.MessageStore
		callLog  store.CallLogStore
		profiles store.ProfileStore
	)
	if memoryDB {
		logger.Warn("running on the in-memory store; all state is lost on exit")
		mem := store.NewMemoryStore()
		chats, messages, callLog, profiles = mem, mem, mem, mem
	} else {
		pg, err := store.NewPostgresStore(cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		if migrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		chats, messages, callLog, profiles = pg, pg, pg, pg
	}

	push := store.NewLogNotifier(logger)

	reg := registry.New(cfg.Registry.MaxConnections, logger, metrics)
	monitor := health.NewMonitor(cfg.Health.PingInterval, cfg.Health.StaleAfter, logger)
	defer monitor.Stop()
	tracker := rooms.NewTracker(chats, logger)
	queue := offline.NewQueue(cfg.Offline, logger, metrics)

	bridge := gateway.NewBridge(cfg.Redis, reg, logger)
	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		defer bridge.Stop()
	}

	pipelineDeps := delivery.Deps{
		Registry: reg,
		Rooms:    tracker,
		Queue:    queue,
		Chats:    chats,
		Messages: messages,
		Push:     push,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	}
	if bridge != nil {
		pipelineDeps.Relay = bridge
	}
	pipeline := delivery.NewPipeline(cfg.Dedupe, pipelineDeps)

	callMgr := calls.NewManager(cfg.Calls, reg, callLog, push, logger, metrics)
	defer callMgr.Stop()
	if bridge != nil {
		callMgr.SetRelay(bridge)
	}

	gov := governor.New(cfg.Governor, cfg.Health, reg, monitor, tracker, queue, callMgr, logger, metrics)
	if err := gov.Start(); err != nil {
		return fmt.Errorf("start governor: %w", err)
	}
	defer gov.Stop()

	gw := gateway.NewGateway(cfg.Server, gateway.Deps{
		Auth:     auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Registry: reg,
		Monitor:  monitor,
		Rooms:    tracker,
		Pipeline: pipeline,
		Calls:    callMgr,
		Limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		Profiles: profiles,
		Bridge:   bridge,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	server := gateway.NewServer(cfg.Server, gw, prometheus.DefaultGatherer, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildMigrateCmd() *cobra.Command {
	var cfgFlag string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cfgFlag))
			if err != nil {
				return err
			}
			pg, err := store.NewPostgresStore(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pg.Close()
			if err := pg.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			fmt.Println("schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgFlag, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		cfgFlag  string
		userID   string
		deviceID string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a connection token for a user (development helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(configPath(cfgFlag))
			if err != nil {
				return err
			}
			svc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			token, err := svc.Generate(models.Identity{
				UserID:   userID,
				DeviceID: deviceID,
				Name:     name,
			})
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgFlag, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User id the token authenticates")
	cmd.Flags().StringVar(&deviceID, "device", "", "Optional device id")
	cmd.Flags().StringVar(&name, "name", "", "Optional display name")
	return cmd
}

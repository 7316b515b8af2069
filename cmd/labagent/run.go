package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/lab-platform/internal/agent"
	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
	"github.com/nerrad567/lab-platform/internal/infrastructure/database"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
	"github.com/nerrad567/lab-platform/internal/overrides"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateAgent(); err != nil {
				return fmt.Errorf("validating config: %w", err)
			}
			log := cli.NewLogger(cfg, serviceName, buildInfo()).With("device_id", cfg.Agent.DeviceID)
			log.Info("starting agent",
				"version", version,
				"commit", commit,
				"build_date", date,
				"config", path,
			)
			return run(cmd.Context(), cfg, log)
		},
	}
}

// agentClientID derives the MQTT client ID from the device ID unless one
// was configured explicitly.
func agentClientID(cfg *config.Config) string {
	if id := cfg.MQTT.Broker.ClientID; id != "" && id != config.DefaultClientID {
		return id
	}
	return "labagent-" + cfg.Agent.DeviceID
}

// openOverrides opens the agent database and returns the override store.
func openOverrides(ctx context.Context, cfg *config.Config) (*database.DB, *overrides.SQLiteRepository, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, overrides.Migrations, overrides.MigrationsDir); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, overrides.NewSQLiteRepository(db.DB), nil
}

// runtimeContext layers deployment overrides: config file, then the
// override store, then LABPLATFORM_EXT_* variables.
func runtimeContext(cfg *config.Config, store extension.OverrideSource) extension.RuntimeContext {
	return extension.RuntimeContext{
		DeviceID: cfg.Agent.DeviceID,
		Sources: []extension.OverrideSource{
			extension.StaticOverrides(cfg.Agent.Modules),
			store,
			extension.EnvOverrides{},
		},
	}
}

// run wires the agent and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	deviceID := cfg.Agent.DeviceID
	topics := mqtt.Topics{}

	// Open database
	db, store, err := openOverrides(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Load modules
	rc := runtimeContext(cfg, store)
	modules := extension.NewRegistry(moduleFactories(),
		extension.WithKind(extension.KindModule),
		extension.WithLogger(log),
	)
	if err := modules.LoadAll(ctx, cfg.Agent.ModulesDir, rc); err != nil {
		return fmt.Errorf("loading modules from %s: %w", cfg.Agent.ModulesDir, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := modules.ShutdownAll(sctx); shutdownErr != nil {
			log.Error("error shutting down modules", "error", shutdownErr)
		}
	}()
	log.Info("modules loaded", "count", modules.Len(), "names", modules.Names())

	// Connect to MQTT broker
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = agentClientID(cfg)
	mqttClient, err := mqtt.Connect(mqttCfg, mqtt.Presence{
		Topic:  topics.DeviceMeta(deviceID),
		Fields: map[string]any{"device_id": deviceID},
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttCfg.Broker.ClientID,
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	routerMetrics := agent.NewMetrics()
	if err := routerMetrics.Register(reg); err != nil {
		return fmt.Errorf("registering router metrics: %w", err)
	}

	// Command router
	router := agent.NewRouter(deviceID, modules, mqttClient,
		agent.WithLogger(log.With("component", "router")),
		agent.WithMetrics(routerMetrics),
		agent.WithRuntimeContext(rc),
	)
	if err := router.Start(); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}
	defer router.Stop()

	heartbeat := agent.NewHeartbeat(agent.HeartbeatConfig{
		DeviceID:  deviceID,
		Interval:  cfg.Agent.HeartbeatInterval,
		Publisher: mqttClient,
		Modules:   modules,
	})
	heartbeat.SetLogger(log)

	// Announce again on reconnect so the orchestrator re-registers us
	// without waiting a full interval.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if err := heartbeat.PublishNow(); err != nil {
			log.Warn("heartbeat after reconnect failed", "error", err)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return heartbeat.Run(gctx)
	})
	if cfg.Agent.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Agent.MetricsAddr, reg, log)
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	err = g.Wait()
	log.Info("shutdown signal received, cleaning up")
	return err
}

// serveMetrics exposes reg at /metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg prometheus.Gatherer, log *logging.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("metrics listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies the database and the bus connection.
func healthCheck(ctx context.Context, db, mqttClient healthChecker) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}

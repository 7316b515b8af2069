package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/lab-platform/internal/api"
	"github.com/nerrad567/lab-platform/internal/automation"
	"github.com/nerrad567/lab-platform/internal/broker"
	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
	"github.com/nerrad567/lab-platform/internal/infrastructure/influxdb"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
	"github.com/nerrad567/lab-platform/internal/plugin"
	ndiplugin "github.com/nerrad567/lab-platform/internal/plugin/ndi"
	projectorplugin "github.com/nerrad567/lab-platform/internal/plugin/projector"
)

// shutdownTimeout bounds plugin shutdown after the signal.
const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			log := cli.NewLogger(cfg, serviceName, buildInfo())
			log.Info("starting orchestrator",
				"version", version,
				"commit", commit,
				"build_date", date,
				"config", path,
			)
			return run(cmd.Context(), cfg, log)
		},
	}
}

// pluginFactories maps manifest entry points to the built-in plugins.
func pluginFactories(host plugin.Host) *extension.Factories {
	f := extension.NewFactories()
	f.MustRegister(ndiplugin.EntryPoint, ndiplugin.Factory(host))
	f.MustRegister(projectorplugin.EntryPoint, projectorplugin.Factory(host))
	return f
}

// run wires the orchestrator and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	topics := mqtt.Topics{}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Presence{Topic: topics.OrchestratorStatus()})
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
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	brokerMetrics := broker.NewMetrics()
	if err := brokerMetrics.Register(reg); err != nil {
		return fmt.Errorf("registering broker metrics: %w", err)
	}

	// Request broker
	opts := []broker.Option{
		broker.WithLogger(log.With("component", "broker")),
		broker.WithMetrics(brokerMetrics),
		broker.WithDefaultTimeout(cfg.Orchestrator.RequestTimeout),
	}
	if influxClient != nil {
		opts = append(opts, broker.WithRecorder(commandRecorder(influxClient)))
	}
	requests := broker.New(mqttClient, opts...)
	if err := requests.Start(); err != nil {
		return fmt.Errorf("starting request broker: %w", err)
	}
	defer func() {
		if closeErr := requests.Close(); closeErr != nil {
			log.Error("error closing request broker", "error", closeErr)
		}
	}()

	// Device registry, observed by the WebSocket hub
	hub := api.NewHub(cfg.WebSocket, log)
	devices := device.NewRegistry(device.WithObserver(hub.Observe))
	devices.SetLogger(log.With("component", "devices"))
	if err := mqttClient.Subscribe(topics.AllDeviceMeta(), mqttClient.QoS(), devices.HandleMeta); err != nil {
		return fmt.Errorf("subscribing to device presence: %w", err)
	}

	// Scheduled commands
	sched := automation.NewScheduler(
		automation.WithLogger(log.With("component", "scheduler")),
		automation.WithObserver(func(exec automation.Execution) {
			hub.Broadcast(api.ChannelScheduleRun, exec)
		}),
	)
	sched.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := sched.Stop(sctx); stopErr != nil {
			log.Error("error stopping scheduler", "error", stopErr)
		}
	}()

	// Plugins
	host := plugin.Host{
		Devices:   devices,
		Broker:    requests,
		Publisher: mqttClient,
		Timeout:   cfg.Orchestrator.RequestTimeout,
		Lease:     cfg.Orchestrator.DefaultLease,
		Scheduler: sched,
	}
	plugins := extension.NewRegistry(pluginFactories(host),
		extension.WithKind(extension.KindPlugin),
		extension.WithLogger(log),
	)
	rc := extension.RuntimeContext{
		Sources: []extension.OverrideSource{
			extension.StaticOverrides(cfg.Orchestrator.Plugins),
			extension.EnvOverrides{},
		},
	}
	if err := plugins.LoadAll(ctx, cfg.Orchestrator.PluginsDir, rc); err != nil {
		return fmt.Errorf("loading plugins from %s: %w", cfg.Orchestrator.PluginsDir, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := plugins.ShutdownAll(sctx); shutdownErr != nil {
			log.Error("error shutting down plugins", "error", shutdownErr)
		}
	}()
	log.Info("plugins loaded", "count", plugins.Len(), "names", plugins.Names())

	control := plugin.NewControlDispatcher(plugins, mqttClient, log.With("component", "control"))
	if err := control.Start(); err != nil {
		return fmt.Errorf("starting control dispatcher: %w", err)
	}
	defer func() {
		if stopErr := control.Stop(); stopErr != nil {
			log.Error("error stopping control dispatcher", "error", stopErr)
		}
	}()

	// HTTP API
	srv, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log,
		Devices:      devices,
		Plugins:      plugins,
		Gatherer:     reg,
		Hub:          hub,
		DefaultLease: cfg.Orchestrator.DefaultLease,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, mqttClient, influxClient, srv); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return devices.RunExpiry(gctx, cfg.Orchestrator.ExpiryInterval, cfg.Orchestrator.DeviceTTL)
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	err = g.Wait()
	log.Info("shutdown signal received, cleaning up")
	return err
}

// commandRecorder writes every finished command to InfluxDB.
func commandRecorder(client *influxdb.Client) broker.Recorder {
	return broker.RecorderFunc(func(o broker.Outcome) {
		client.WriteCommandOutcome(influxdb.CommandOutcome{
			DeviceID: o.DeviceID,
			Module:   o.Module,
			Action:   o.Action,
			Actor:    o.Actor,
			Outcome:  o.Result,
			Latency:  o.Latency,
			Time:     o.Time,
		})
	})
}

// healthChecker is implemented by every infrastructure client.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, mqttClient healthChecker, influxClient *influxdb.Client, srv healthChecker) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

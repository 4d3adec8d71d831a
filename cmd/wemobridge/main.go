// wemobridge exposes WeMo devices managed by the local device engine to an
// upstream home-automation controller over MQTT.
//
// Usage:
//
//	wemobridge [run]                 run the bridge until interrupted
//	wemobridge list                  list discovered devices and their handles
//	wemobridge set-on <udn>          switch a device on
//	wemobridge set-off <udn>         switch a device off
//	wemobridge set-level <udn> <0-100>
//	wemobridge version
//
// Configuration is read from WEMOBRIDGE_CONFIG (default configs/config.yaml).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/wemo-matter-bridge/migrations"

	"github.com/nerrad567/wemo-matter-bridge/internal/bridge"
	"github.com/nerrad567/wemo-matter-bridge/internal/endpoint"
	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/config"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/database"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/mqtt"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, usage)
		os.Exit(2)
	}

	if err := execute(ctx, cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the bridge service: it populates the directory, wires the
// reconciler between the engine and MQTT, and blocks until ctx is done.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting wemobridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath)

	db, registry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	engineClient, err := newEngineClient(cfg, log)
	if err != nil {
		return err
	}
	defer engineClient.Close() //nolint:errcheck // Shutdown

	if cfg.Engine.Daemon.Managed {
		daemon := engine.NewDaemon(daemonConfig(cfg, engineClient), log.With("component", "engine-daemon"))
		if err := daemon.Start(ctx); err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}
		defer func() {
			log.Info("stopping engine")
			if stopErr := daemon.Stop(); stopErr != nil {
				log.Error("error stopping engine", "error", stopErr)
			}
		}()
		log.Info("engine started", "binary", cfg.Engine.Daemon.Binary)
	}

	adapter, err := connectEngine(ctx, cfg, engineClient, log)
	if err != nil {
		return err
	}

	devices := adapter.Discover(ctx)
	directory := bridge.NewDirectory(cfg.Bridge.DeviceCapacity, cfg.Bridge.DefaultFriendlyName)
	result := directory.Populate(ctx, devices, registry)
	for _, s := range result.Skipped {
		log.Warn("device not bridged", "udn", s.UDN, "error", s.Err)
	}
	log.Info("directory populated",
		"discovered", len(devices),
		"published", len(result.Published),
		"capacity", directory.Capacity(),
	)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
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
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
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
	} else {
		log.Info("InfluxDB disabled")
	}

	dispatcher := bridge.NewDispatcher(cfg.Bridge.DispatchWorkers, cfg.Bridge.DispatchQueueSize)
	dispatcher.SetLogger(log.With("component", "dispatcher"))
	recOpts := bridge.Options{
		Directory:      directory,
		Commander:      adapter,
		Dispatcher:     dispatcher,
		SettleWindow:   cfg.GetSettleWindow(),
		EventQueueSize: cfg.Bridge.EventQueueSize,
		Logger:         log.With("component", "reconciler"),
	}
	if influxClient != nil {
		recOpts.Metrics = influxClient
	}
	reconciler, err := bridge.NewReconciler(recOpts)
	if err != nil {
		return fmt.Errorf("creating reconciler: %w", err)
	}

	topics := mqttClient.Topics()
	front, err := bridge.NewMQTTFront(bridge.FrontOptions{
		BridgeID:     cfg.Bridge.Name,
		Client:       mqttClient,
		Topics:       topics,
		Writer:       reconciler,
		WriteTimeout: cfg.GetRequestTimeout(),
		Logger:       log.With("component", "mqtt-front"),
	})
	if err != nil {
		return fmt.Errorf("creating MQTT front: %w", err)
	}
	reconciler.SetPublisher(front)
	adapter.Subscribe(reconciler.HandleEvent)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if influxClient != nil {
		interval := time.Duration(cfg.Bridge.MetricsInterval) * time.Second
		g.Go(func() error {
			return reconciler.ReportMetrics(gctx, cfg.Bridge.Name, interval, influxClient)
		})
	}

	if err := front.Start(gctx); err != nil {
		return fmt.Errorf("starting MQTT front: %w", err)
	}
	defer front.Stop()

	if states, snapErr := reconciler.Snapshot(gctx); snapErr != nil {
		log.Warn("could not snapshot devices", "error", snapErr)
	} else if pubErr := front.PublishDevices(states); pubErr != nil {
		log.Warn("could not publish device list", "error", pubErr)
	}

	health := bridge.NewHealthReporter(bridge.HealthReporterConfig{
		BridgeID:  cfg.Bridge.Name,
		Version:   version,
		Topic:     topics.SystemHealth(),
		Interval:  time.Duration(cfg.Bridge.HealthInterval) * time.Second,
		Publisher: mqttClient,
		Engine:    engineClient,
		Devices:   directory.Len,
	})
	health.SetLogger(log)
	if err := health.PublishStarting(); err != nil {
		log.Warn("could not publish starting status", "error", err)
	}
	health.Start(gctx)
	defer health.Stop()

	// Devices that never report on their own are nudged into sending their
	// current state.
	adapter.Refresh(gctx)

	if cfg.Bridge.RefreshSchedule != "" {
		scheduler, schedErr := startRefreshSchedule(gctx, cfg.Bridge.RefreshSchedule, adapter, reconciler, log)
		if schedErr != nil {
			return schedErr
		}
		defer scheduler.Stop()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "devices", directory.Len())

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("wemobridge stopped")
	return nil
}

// getConfigPath returns WEMOBRIDGE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("WEMOBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func openRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, *endpoint.Registry, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	// #nosec G115 -- Validate bounds first_dynamic_id to the uint16 range
	registry, err := endpoint.NewRegistry(ctx, db.DB, uint16(cfg.Bridge.FirstDynamicID), log.With("component", "registry"))
	if err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("opening endpoint registry: %w", err)
	}
	log.Info("endpoint registry ready", "path", cfg.Database.Path)
	return db, registry, nil
}

func newEngineClient(cfg *config.Config, log *logging.Logger) (*engine.Client, error) {
	client, err := engine.NewClient(engine.ClientConfig{
		Address:        cfg.Engine.Address,
		ConnectTimeout: cfg.GetConnectTimeout(),
		RequestTimeout: cfg.GetRequestTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine client: %w", err)
	}
	client.SetLogger(log.With("component", "engine"))
	return client, nil
}

// connectEngine starts the IPC client and builds the adapter. An engine
// that is not up yet is not fatal: the client keeps reconnecting and
// discovery falls back to the snapshot files.
func connectEngine(ctx context.Context, cfg *config.Config, client *engine.Client, log *logging.Logger) (*engine.WemoAdapter, error) {
	client.Start()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
	defer cancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		log.Warn("engine not reachable yet, continuing", "address", cfg.Engine.Address, "error", err)
	} else {
		log.Info("engine connected", "address", cfg.Engine.Address)
	}

	adapter, err := engine.NewWemoAdapter(engine.AdapterOptions{
		Client: client,
		Snapshots: &engine.DBSnapshot{
			DeviceDBPath: cfg.Engine.DeviceDBPath,
			StateDBPath:  cfg.Engine.StateDBPath,
			BusyTimeout:  cfg.Database.BusyTimeout,
		},
		ConfirmTimeout: cfg.GetConfirmTimeout(),
		Logger:         log.With("component", "adapter"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine adapter: %w", err)
	}
	return adapter, nil
}

func daemonConfig(cfg *config.Config, client *engine.Client) engine.DaemonConfig {
	d := cfg.Engine.Daemon
	return engine.DaemonConfig{
		Binary: d.Binary,
		Args:   d.Args,
		Env: []string{
			"WEMO_DEVICE_DB_PATH=" + cfg.Engine.DeviceDBPath,
			"WEMO_STATE_DB_PATH=" + cfg.Engine.StateDBPath,
		},
		RestartOnFailure:    d.RestartOnFailure,
		RestartDelay:        time.Duration(d.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts:  d.MaxRestartAttempts,
		HealthCheck:         client.Ping,
		HealthCheckInterval: time.Duration(d.HealthCheckInterval) * time.Second,
	}
}

// startRefreshSchedule re-runs discovery on spec and rebinds engine ids,
// which change when the engine restarts.
func startRefreshSchedule(ctx context.Context, spec string, adapter engine.Adapter, rec *bridge.Reconciler, log *logging.Logger) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		devices := adapter.Discover(ctx)
		if len(devices) == 0 {
			return
		}
		unknown, err := rec.Rebind(ctx, devices)
		if err != nil {
			log.Warn("rebind after refresh failed", "error", err)
			return
		}
		for _, udn := range unknown {
			log.Info("new device seen; restart the bridge to publish it", "udn", udn)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing refresh schedule %q: %w", spec, err)
	}
	scheduler.Start()
	log.Info("refresh schedule active", "schedule", spec)
	return scheduler, nil
}

// healthCheck verifies the infrastructure connections. influxClient may be nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

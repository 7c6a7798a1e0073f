package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lilistrocel/sensehub-sub001/internal/api"
	"github.com/lilistrocel/sensehub-sub001/internal/audit"
	"github.com/lilistrocel/sensehub-sub001/internal/automation"
	"github.com/lilistrocel/sensehub-sub001/internal/equipment"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/config"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/database"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/influxdb"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/logging"
	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/mqtt"
)

// newServeCommand creates the serve command.
func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the automation engine and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

// run is the actual application logic, separated from main for testability.
// It blocks until ctx is cancelled, then shuts components down in reverse
// start order.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Global flags (config path)
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts *rootOptions) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SenseHub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Automation registry and activity log
	repo := automation.NewSQLiteRepository(db.DB)
	registry := automation.NewRegistry(repo)
	registry.SetLogger(log.With("component", "registry"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading automations: %w", refreshErr)
	}
	activity := audit.NewSQLiteRepository(db.DB)

	if seedErr := seedAutomations(ctx, cfg.Automation.SeedFile, registry); seedErr != nil {
		return seedErr
	}
	log.Info("automation registry initialised", "automations", registry.GetAutomationCount())

	// Connect to MQTT broker
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
	mqttClient.SetLogger(log.With("component", "mqtt"))
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

	// Equipment adapters over the bus
	adapters, err := startEquipment(cfg, mqttClient, log)
	if err != nil {
		return err
	}
	defer adapters.stop(log)

	// Connect to InfluxDB (optional)
	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()

		unsubReadings, subErr := adapters.sensors.SubscribeReadings(influxClient.WriteReading)
		if subErr != nil {
			return fmt.Errorf("recording sensor readings: %w", subErr)
		}
		defer unsubReadings()
	}

	// Automation engine
	engine := automation.NewEngine(automation.EngineConfig{
		Registry:             registry,
		Repository:           repo,
		Equipment:            adapters.controller,
		Alerts:               adapters.alerts,
		Activity:             activity,
		State:                adapters.states,
		Sensors:              adapters.sensors,
		Events:               adapters.events,
		Logger:               log.With("component", "engine"),
		Location:             cfg.Location(),
		TickInterval:         cfg.Automation.TickInterval,
		DefaultThresholdMode: automation.ThresholdMode(cfg.Automation.DefaultThresholdMode),
		DisableOnceAfterFire: cfg.Automation.DisableOnceAfterFire,
	})
	engine.AddRunObserver(adapters.runs)
	if influxClient != nil {
		engine.AddRunObserver(influxClient)
		engine.AddDeferredFailureObserver(influxClient)
	}

	if startErr := engine.Start(ctx); startErr != nil {
		return fmt.Errorf("starting automation engine: %w", startErr)
	}
	defer func() {
		if stopErr := engine.Stop(); stopErr != nil {
			log.Error("error stopping automation engine", "error", stopErr)
		}
	}()

	// HTTP API
	health := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		health["influxdb"] = influxClient
	}
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log.With("component", "api"),
		Engine:   engine,
		Registry: registry,
		Runs:     repo,
		Activity: activity,
		Health:   health,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("SenseHub started",
		"site", cfg.Site.ID,
		"timezone", cfg.Site.Timezone,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// seedAutomations loads the seed file, if configured, and creates the
// automations that do not exist yet. An invalid seed file aborts startup.
func seedAutomations(ctx context.Context, path string, registry *automation.Registry) error {
	if path == "" {
		return nil
	}
	automations, err := automation.LoadSeedFile(path)
	if err != nil {
		return fmt.Errorf("loading seed file %s: %w", path, err)
	}
	if _, _, err := registry.Seed(ctx, automations); err != nil {
		return fmt.Errorf("seeding automations: %w", err)
	}
	return nil
}

// equipmentAdapters groups the MQTT-backed collaborators of the engine.
type equipmentAdapters struct {
	states     *equipment.StateCache
	controller *equipment.Controller
	alerts     *equipment.AlertSink
	sensors    *equipment.SensorStream
	events     *equipment.EventBus
	runs       *equipment.RunPublisher
}

// startEquipment builds the adapters and starts the equipment state cache.
func startEquipment(cfg *config.Config, bus equipment.Bus, log *logging.Logger) (*equipmentAdapters, error) {
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2
	adapterLog := log.With("component", "equipment")

	a := &equipmentAdapters{
		states:  equipment.NewStateCache(bus, qos),
		alerts:  equipment.NewAlertSink(bus, qos, cfg.Automation.AlertRatePerMinute),
		sensors: equipment.NewSensorStream(bus, qos),
		events:  equipment.NewEventBus(bus, qos),
		runs:    equipment.NewRunPublisher(bus, qos),
	}
	a.controller = equipment.NewController(bus, qos, a.states)

	a.states.SetLogger(adapterLog)
	a.controller.SetLogger(adapterLog)
	a.alerts.SetLogger(adapterLog)
	a.sensors.SetLogger(adapterLog)
	a.events.SetLogger(adapterLog)
	a.runs.SetLogger(adapterLog)

	if err := a.states.Start(); err != nil {
		return nil, fmt.Errorf("subscribing to equipment state: %w", err)
	}
	return a, nil
}

// stop waits for queued run publications, then drops the state subscription.
func (a *equipmentAdapters) stop(log *logging.Logger) {
	a.runs.Wait()
	if err := a.states.Stop(); err != nil {
		log.Warn("error unsubscribing equipment state", "error", err)
	}
}

// connectInflux returns nil without error when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil //nolint:nilnil // disabled is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

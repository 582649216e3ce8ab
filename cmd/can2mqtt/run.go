package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/can2mqtt/migrations"

	"github.com/nerrad567/can2mqtt/internal/api"
	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
	"github.com/nerrad567/can2mqtt/internal/canlink"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/config"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/database"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/mqtt"
)

// loadConfig reads the config file named by --config and applies the
// global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if devices := c.String("devices"); devices != "" {
		cfg.Bridge.DevicesFile = devices
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}
	return cfg, nil
}

// run is the bridge process, separated from main for testability. It
// returns nil on a clean shutdown.
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	instanceID := uuid.NewString()
	log.Info("starting can2mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
		"bridge_id", cfg.Bridge.ID,
		"instance_id", instanceID,
	)

	table, err := canbus.LoadDeviceTable(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading device table: %w", err)
	}
	log.Info("device table loaded",
		"path", cfg.Bridge.DevicesFile,
		"switches", len(table.Switches),
		"sensors", len(table.Sensors),
	)

	if cfg.CAN.Network == "can" {
		link := canlink.NewManager(cfg.CAN.Link, cfg.CAN.Interface, cfg.CAN.Bitrate)
		link.SetLogger(log.Component("canlink"))
		if err := link.Up(ctx); err != nil {
			return fmt.Errorf("bringing up CAN link: %w", err)
		}
		defer func() {
			if downErr := link.Down(); downErr != nil {
				log.Error("error taking CAN link down", "error", downErr)
			}
		}()
	}

	bus, err := canbus.Dial(ctx, socketCANConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening CAN interface: %w", err)
	}
	bus.SetLogger(log.Component("socketcan"))
	defer func() {
		log.Info("closing CAN interface")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing CAN interface", "error", closeErr)
		}
	}()
	log.Info("CAN interface open", "network", cfg.CAN.Network, "interface", cfg.CAN.Interface)

	var (
		db       *database.DB
		recorder *canbus.Recorder
	)
	if cfg.Recorder.Enabled {
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		recorder = canbus.NewRecorder(db.DB, canbus.RecorderOptions{
			RetentionDays: cfg.Recorder.RetentionDays,
			PruneSchedule: cfg.Recorder.PruneSchedule,
		})
		recorder.SetLogger(log.Component("recorder"))
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting recorder: %w", startErr)
		}
		defer recorder.Stop()
		log.Info("recorder enabled", "path", cfg.Database.Path)
	} else {
		log.Info("recorder disabled")
	}

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

	availabilityTopic := cfg.MQTT.AvailabilityTopic
	if availabilityTopic == "" {
		availabilityTopic = mqtt.Topics{}.Availability(cfg.Bridge.ID)
	}
	mqttClient := mqtt.New(cfg.MQTT, availabilityTopic)
	mqttClient.SetLogger(log.Component("mqtt"))

	opts := canbus.BridgeOptions{
		Table:             table,
		MQTTClient:        &mqttBridgeAdapter{client: mqttClient},
		Connector:         bus,
		BridgeID:          cfg.Bridge.ID,
		InstanceID:        instanceID,
		Version:           version,
		QoS:               byte(cfg.MQTT.QoS), // #nosec G115 -- validated 0..2
		PollInterval:      cfg.GetPollInterval(),
		CommandTimeout:    cfg.GetCommandTimeout(),
		HealthTopic:       mqtt.Topics{}.Health(cfg.Bridge.ID),
		HealthInterval:    cfg.GetHealthInterval(),
		AvailabilityTopic: availabilityTopic,
		Interface:         cfg.CAN.Interface,
		Logger:            log.Component("bridge"),
	}
	if recorder != nil {
		opts.Recorder = recorder
	}

	bridge, err := canbus.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if recorder != nil {
		bridge.AddStateObserver(recorder)
	}
	if influxClient != nil {
		bridge.AddStateObserver(influxObserver{client: influxClient})
	}

	// Callbacks must be registered before the first connect so discovery
	// is published on it.
	mqttClient.SetOnConnect(bridge.OnConnected)
	mqttClient.SetOnDisconnect(bridge.OnDisconnected)
	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	// Runs before the MQTT close so the final "stopping" health is published.
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.Component("api"),
			Bridge:  bridge,
			Version: version,
		}
		if recorder != nil {
			deps.History = recorder
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		bridge.AddStateObserver(server.Hub())
		bridge.AddCommandObserver(server.Hub())
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, bridging",
		"devices", len(bridge.Devices()),
		"subscribe", bridge.Protocol().SubscribeTopic(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	if influxClient != nil {
		g.Go(func() error {
			writeBusStats(gctx, influxClient, bus, cfg)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("bridge stopped with error", "error", err)
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

func socketCANConfig(cfg *config.Config) canbus.SocketCANConfig {
	return canbus.SocketCANConfig{
		Network:           cfg.CAN.Network,
		Interface:         cfg.CAN.Interface,
		ConnectTimeout:    time.Duration(cfg.CAN.ConnectTimeout) * time.Second,
		ReconnectInterval: time.Duration(cfg.CAN.ReconnectInterval) * time.Second,
		ReceiveBuffer:     cfg.CAN.ReceiveBuffer,
	}
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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

// writeBusStats samples connector counters into InfluxDB once per health
// interval until ctx is done.
func writeBusStats(ctx context.Context, client *influxdb.Client, bus canbus.Connector, cfg *config.Config) {
	ticker := time.NewTicker(cfg.GetHealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.WriteBusStats(cfg.Bridge.ID, cfg.CAN.Interface, busStatsPoint(bus.Stats()))
		}
	}
}

func busStatsPoint(s canbus.BusStats) influxdb.BusStats {
	return influxdb.BusStats{
		FramesReceived: s.FramesRx,
		FramesSent:     s.FramesTx,
		FramesDropped:  s.FramesDropped,
		Errors:         s.ErrorsTotal,
		Reconnects:     s.Reconnects,
	}
}

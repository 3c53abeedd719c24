// Gray Logic Tracker - fleet device registry and live position cache.
//
// This is the main entry point for the tracker service. It loads the
// configuration, opens the SQLite store, builds the permission manager and
// device registry, and ingests decoded positions from MQTT, fanning every
// accepted position out to MQTT, Redis, NATS and InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-tracker/migrations"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/nats"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/redis"
	"github.com/nerrad567/gray-logic-tracker/internal/ingest"
	"github.com/nerrad567/gray-logic-tracker/internal/live"
	"github.com/nerrad567/gray-logic-tracker/internal/permission"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// collaborators groups the optional infrastructure clients. Nil fields are
// disabled in configuration.
type collaborators struct {
	mqtt   *mqtt.Client
	redis  *redis.Client
	nats   *nats.Client
	influx *influxdb.Client
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Tracker",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.FromConfig(cfg.Database))
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

	clients, closeClients, err := connectClients(cfg, log)
	if err != nil {
		return err
	}
	defer closeClients()

	g, gctx := errgroup.WithContext(ctx)

	var (
		registryMetrics device.Metrics
		liveMetrics     live.Metrics
		ingestMetrics   ingest.Metrics
	)
	if cfg.Metrics.Enabled {
		m := metrics.New()
		registryMetrics, liveMetrics, ingestMetrics = m, m, m
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Listen, cfg.Metrics.Path)
		})
		log.Info("metrics listener started", "listen", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	dispatcher := live.NewDispatcher(live.Options{
		QueueSize: cfg.Live.QueueSize,
		Workers:   cfg.Live.Workers,
		Metrics:   liveMetrics,
	}, liveTargets(clients)...)
	dispatcher.SetLogger(log.Component("live"))
	defer func() {
		log.Info("draining live updates")
		dispatcher.Close()
	}()

	perms := permission.NewManager(permission.NewSQLiteRepository(db.DB))
	perms.SetLogger(log.Component("permission"))
	if loadErr := perms.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading permissions: %w", loadErr)
	}

	store := device.NewSQLiteStore(db.DB)
	registry := device.NewRegistry(device.RegistryOptions{
		Store:       store,
		Permissions: perms,
		Config:      cfg,
		Authorizer:  newAuthorizer(cfg, log),
		Sink:        dispatcher,
		Metrics:     registryMetrics,
		Settings:    registrySettings(cfg),
	})
	registry.SetLogger(log.Component("registry"))
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry initialised", "devices", registry.Stats().Devices)

	if cfg.Ingest.Enabled {
		sub := ingest.New(ingest.Options{
			Registry:  registry,
			Store:     store,
			Broker:    clients.mqtt,
			Protocols: cfg.Ingest.Protocols,
			Metrics:   ingestMetrics,
		})
		sub.SetLogger(log.Component("ingest"))
		if startErr := sub.Start(gctx); startErr != nil {
			return fmt.Errorf("starting ingest: %w", startErr)
		}
		defer func() {
			if stopErr := sub.Stop(); stopErr != nil {
				log.Error("error stopping ingest", "error", stopErr)
			}
		}()
	} else {
		log.Info("ingest disabled")
	}

	if err := healthCheck(ctx, db, clients); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()

	log.Info("shutdown signal received, cleaning up")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Deferred calls run in reverse order: ingest stops first, then the
	// live queue drains into the still-open clients, then the clients and
	// database close.
	log.Info("Gray Logic Tracker stopped")
	return nil
}

// connectClients connects every enabled external service. The returned
// function closes whatever was opened; on error it has already run.
func connectClients(cfg *config.Config, log *logging.Logger) (*collaborators, func(), error) {
	c := &collaborators{}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*collaborators, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fail(fmt.Errorf("connecting to MQTT: %w", err))
		}
		client.SetLogger(log.Component("mqtt"))
		client.SetOnConnect(func() { log.Info("MQTT reconnected") })
		client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		c.mqtt = client
		closers = append(closers, func() {
			log.Info("disconnecting from MQTT")
			if err := client.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.Redis.Enabled {
		client, err := redis.Connect(cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("connecting to Redis: %w", err))
		}
		c.redis = client
		closers = append(closers, func() {
			log.Info("closing Redis connection")
			if err := client.Close(); err != nil {
				log.Error("error closing Redis", "error", err)
			}
		})
		log.Info("Redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		log.Info("Redis disabled")
	}

	if cfg.NATS.Enabled {
		client, err := nats.Connect(cfg.NATS)
		if err != nil {
			return fail(fmt.Errorf("connecting to NATS: %w", err))
		}
		client.SetLogger(log.Component("nats"))
		c.nats = client
		closers = append(closers, func() {
			log.Info("closing NATS connection")
			if err := client.Close(); err != nil {
				log.Error("error closing NATS", "error", err)
			}
		})
		log.Info("NATS connected", "url", cfg.NATS.URL, "subject", client.AllSubjects())
	} else {
		log.Info("NATS disabled")
	}

	if cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fail(fmt.Errorf("connecting to InfluxDB: %w", err))
		}
		client.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		c.influx = client
		closers = append(closers, func() {
			log.Info("closing InfluxDB connection")
			if err := client.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	return c, closeAll, nil
}

// liveTargets returns a delivery target for every connected client.
func liveTargets(c *collaborators) []live.Target {
	var targets []live.Target
	if c.mqtt != nil {
		targets = append(targets, live.NewMQTTTarget(c.mqtt, c.mqtt.Topics()))
	}
	if c.redis != nil {
		targets = append(targets, live.NewShadowTarget(c.redis))
	}
	if c.nats != nil {
		targets = append(targets, live.NewUplinkTarget(c.nats))
	}
	if c.influx != nil {
		targets = append(targets, live.NewHistoryTarget(c.influx))
	}
	return targets
}

// registrySettings maps the registry section of the configuration.
func registrySettings(cfg *config.Config) device.Settings {
	return device.Settings{
		RefreshDelay:          cfg.GetRefreshDelay(),
		LookupGroupsAttribute: cfg.Registry.LookupGroupsAttribute,
		IgnoreUnknown:         cfg.Registry.IgnoreUnknown,
		RegisterUnknown:       cfg.Registry.RegisterUnknown.Enabled,
		Provision: device.ProvisionDefaults{
			Category: cfg.Registry.RegisterUnknown.DefaultCategory,
			GroupID:  cfg.Registry.RegisterUnknown.DefaultGroupID,
		},
	}
}

// newAuthorizer returns the provisioning authorizer, or nil when automatic
// registration is off.
func newAuthorizer(cfg *config.Config, log *logging.Logger) device.Authorizer {
	if !cfg.Registry.RegisterUnknown.Enabled {
		return nil
	}
	a := device.NewHTTPAuthorizer(device.AuthorizerConfig{
		BaseURL:        cfg.Authorization.BaseURL,
		CanCreateURL:   cfg.Authorization.CanCreateURL,
		Header:         cfg.Authorization.Header,
		ConnectTimeout: cfg.GetConnectTimeout(),
		ReadTimeout:    cfg.GetReadTimeout(),
	})
	a.SetLogger(log.Component("authorizer"))
	return a
}

// getConfigPath returns the configuration file path.
// Uses GLTRACKER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GLTRACKER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies every connected service is healthy.
// It returns the first failure.
func healthCheck(ctx context.Context, db *database.DB, c *collaborators) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.mqtt != nil {
		if err := c.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if c.redis != nil {
		if err := c.redis.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if c.nats != nil && !c.nats.IsConnected() {
		return fmt.Errorf("nats: %w", nats.ErrNotConnected)
	}
	if c.influx != nil {
		if err := c.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

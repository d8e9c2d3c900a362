// Package coordinator assembles the Coordinator's subsystems — repository,
// auth, transports, scheduler, janitor, metrics collector and the HTTP API —
// into one startable unit. It owns nothing itself beyond wiring and
// lifecycle; every invariant lives in the subsystem packages.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/api"
	"github.com/brwyatt/dffmpeg/pkg/janitor"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/scheduler"
	"github.com/brwyatt/dffmpeg/pkg/security"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/transport"
	"github.com/rs/zerolog"
)

// StorageConfig selects and configures the repository engine.
type StorageConfig struct {
	// Engine is one of "mem", "bolt", "sqlite3", "postgres", "mysql".
	Engine string
	// DataDir holds the bbolt database file (bolt engine only).
	DataDir string
	// DSN is the database connection string (SQL engines only).
	DSN string
}

// Config holds everything a Coordinator needs, threaded explicitly into
// every subsystem constructor — there is no package-level configuration
// state anywhere in this module.
type Config struct {
	ListenAddr string
	Storage    StorageConfig

	// AllowedBinaries is the global whitelist of logical binary names a
	// job may name; empty means unrestricted.
	AllowedBinaries []string
	// TrustedProxies is the CIDR set whose X-Forwarded-For headers are
	// honored when resolving a request's source IP.
	TrustedProxies []string
	// LongPollTimeout caps the work-poll and downlink-drain endpoints.
	LongPollTimeout time.Duration
	// SchedulerTick is the scheduler's base tick (default 1s).
	SchedulerTick time.Duration
	// Janitor carries every sweep threshold (defaults per janitor.DefaultConfig).
	Janitor janitor.Config

	// KeyRing and DefaultKeyID configure at-rest encryption of stored
	// HMAC keys. An empty DefaultKeyID stores new keys in plaintext.
	KeyRing      security.KeyRing
	DefaultKeyID string

	// MQTT and AMQP, when non-nil, enable the corresponding broker
	// transport. http_polling is always enabled.
	MQTT *transport.MQTTConfig
	AMQP *transport.AMQPConfig
}

// DefaultConfig returns a Config with every duration at its stock default
// and an in-memory repository, suitable as a base for flag overrides.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8095",
		Storage:         StorageConfig{Engine: "mem"},
		LongPollTimeout: 25 * time.Second,
		SchedulerTick:   time.Second,
		Janitor:         janitor.DefaultConfig(),
	}
}

// Coordinator is the assembled Coordinator core.
type Coordinator struct {
	cfg        Config
	repo       storage.Repository
	credStore  *security.CredentialStore
	transports *transport.Registry
	scheduler  *scheduler.Scheduler
	janitor    *janitor.Janitor
	collector  *metrics.Collector
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New builds a Coordinator from cfg, opening the repository (and applying
// schema migrations for SQL engines) and constructing every subsystem.
// Nothing starts running until Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}

	repo, err := openRepository(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	credStore, err := security.NewCredentialStore(cfg.KeyRing, cfg.DefaultKeyID)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("build credential store: %w", err)
	}

	registry := transport.NewRegistryWithDefaults()
	if cfg.MQTT != nil {
		registry.Register(transport.NewMQTT(*cfg.MQTT))
	}
	if cfg.AMQP != nil {
		registry.Register(transport.NewAMQP(*cfg.AMQP))
	}

	sched := scheduler.New(repo, registry, scheduler.Config{
		Tick:            cfg.SchedulerTick,
		AllowedBinaries: cfg.AllowedBinaries,
	})
	jan := janitor.New(repo, cfg.Janitor, sched.Wake)

	apiServer, err := api.NewServer(repo, security.NewSigner(), credStore, registry, sched, api.Config{
		AllowedBinaries: cfg.AllowedBinaries,
		TrustedProxies:  cfg.TrustedProxies,
		LongPollTimeout: cfg.LongPollTimeout,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("build api server: %w", err)
	}

	return &Coordinator{
		cfg:        cfg,
		repo:       repo,
		credStore:  credStore,
		transports: registry,
		scheduler:  sched,
		janitor:    jan,
		collector:  metrics.NewCollector(repo),
		apiServer:  apiServer,
		logger:     log.WithComponent("coordinator"),
	}, nil
}

func openRepository(cfg StorageConfig) (storage.Repository, error) {
	switch cfg.Engine {
	case "", "mem":
		return storage.NewMemRepository(), nil
	case "bolt":
		return storage.NewBoltRepository(cfg.DataDir)
	case "sqlite3", "postgres", "mysql":
		repo, err := storage.OpenSQLRepository(storage.Dialect(cfg.Engine), cfg.DSN)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

// Start brings every subsystem up and begins serving HTTP on
// cfg.ListenAddr. It returns once the listener is bound; serving happens
// in a background goroutine. A broker transport failing to connect is
// fatal here rather than degraded-but-running: a deployment that asked
// for mqtt/amqp wants to know at startup, not on first dispatch.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.transports.Start(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}

	c.scheduler.Start()
	c.janitor.Start()
	c.collector.Start()

	listener, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		c.stopBackground()
		return fmt.Errorf("listen on %s: %w", c.cfg.ListenAddr, err)
	}
	c.listener = listener
	c.httpServer = &http.Server{
		Handler:           c.apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("http server exited")
		}
	}()

	c.logger.Info().Str("listen_addr", listener.Addr().String()).
		Str("storage_engine", c.cfg.Storage.Engine).
		Strs("transports", c.transports.Enabled()).
		Msg("coordinator started")
	return nil
}

// Addr returns the bound listen address, useful when ListenAddr used
// port 0. It is only valid after Start.
func (c *Coordinator) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Handler exposes the API surface for tests driving the Coordinator
// through httptest instead of a real listener.
func (c *Coordinator) Handler() http.Handler {
	return c.apiServer
}

// Repository exposes the underlying repository for the admin CLI and for
// end-to-end tests that need to seed identities.
func (c *Coordinator) Repository() storage.Repository {
	return c.repo
}

// Stop gracefully shuts the Coordinator down: stop accepting requests,
// drain in-flight ones up to ctx's deadline, then stop the background
// loops and close the repository. In-flight long-polls are released by
// the server shutdown closing their connections.
func (c *Coordinator) Stop(ctx context.Context) error {
	var firstErr error
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	c.stopBackground()
	if err := c.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info().Msg("coordinator stopped")
	return firstErr
}

func (c *Coordinator) stopBackground() {
	c.scheduler.Stop()
	c.janitor.Stop()
	c.collector.Stop()
	c.transports.Stop()
}

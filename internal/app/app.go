// Package app wires the configured components into an orchestrator. The CLI
// and the daemon share it.
package app

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"webdeploy/pkg/build"
	"webdeploy/pkg/config"
	"webdeploy/pkg/deploy"
	"webdeploy/pkg/events"
	"webdeploy/pkg/history"
	"webdeploy/pkg/lock"
	"webdeploy/pkg/logger"
	"webdeploy/pkg/metrics"
)

type Options struct {
	// DisableLock skips the redis run lock even when lock.enabled is set.
	DisableLock bool
	Observers   []deploy.Observer
}

type Components struct {
	Config       *config.Config
	Logger       *logger.Logger
	History      *history.Store
	Registry     *prometheus.Registry
	Metrics      *metrics.Recorder
	Redis        *redis.Client
	Orchestrator *deploy.Orchestrator

	nats *nats.Conn
}

func ApplyLogLevel(cfg *config.Config, log *logger.Logger) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// Build opens the history database and connects the optional redis, NATS
// and metrics collaborators. Callers must Close the result.
func Build(cfg *config.Config, log *logger.Logger, opts Options) (*Components, error) {
	log = logger.OrDefault(log)
	c := &Components{Config: cfg, Logger: log}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	c.History = store

	observers := []deploy.Observer{deploy.NewLoggingObserver(log)}
	deps := deploy.Dependencies{
		Profiles:  cfg,
		Builder:   build.NewCommandBuilder(log),
		History:   store,
		NewClient: deploy.DefaultClientFactory(log),
		Logger:    log,
	}

	if cfg.Metrics.Enabled {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		c.Metrics = metrics.NewRecorder(c.Registry)
		observers = append(observers, c.Metrics)
		deps.UploadObservers = append(deps.UploadObservers, c.Metrics.UploadObserver())
	}

	if cfg.Lock.Enabled && !opts.DisableLock {
		c.Redis = NewRedisClient(cfg.Redis)
		deps.Locker = lock.NewRedisLocker(c.Redis, time.Duration(cfg.Lock.TTLMinutes)*time.Minute, log)
	}

	if cfg.Events.Enabled {
		nc, err := events.Connect(cfg.Events.URL, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.nats = nc
		observers = append(observers, events.NewObserver(nc, cfg.Events.SubjectPrefix, log))
	}

	deps.Observers = append(observers, opts.Observers...)
	c.Orchestrator = deploy.New(deps)
	return c, nil
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (c *Components) Close() {
	if c.nats != nil {
		if err := c.nats.Drain(); err != nil {
			c.nats.Close()
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Error("failed to close redis client", err, nil)
		}
	}
	if c.History != nil {
		if err := c.History.Close(); err != nil {
			c.Logger.Error("failed to close history database", err, nil)
		}
	}
}

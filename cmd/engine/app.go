package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/functions"
	"github.com/songzhibin97/process-engine/internal/config"
	"github.com/songzhibin97/process-engine/internal/log"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/worker"
	"github.com/songzhibin97/process-engine/workflow"
)

// snowflakeEpoch is the origin of generated ids. Changing it breaks id ordering.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// app holds the components shared by the commands.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
	store  storage.Storage
	engine *workflow.Engine
}

// loadConfig reads the environment and applies the flags set on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var files []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.StorageDriver, _ = flags.GetString("storage")
	}
	if flags.Changed("db") {
		cfg.DatabaseURL, _ = flags.GetString("db")
	}
	if flags.Changed("redis-addr") {
		cfg.RedisAddr, _ = flags.GetString("redis-addr")
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.HTTPAddr, _ = flags.GetString("addr")
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStorage(cfg config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case config.DriverRedis:
		return storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.DriverPostgres:
		return storage.NewPostgresStorage(cfg.DatabaseURL)
	default:
		return storage.NewMemoryStorage(), nil
	}
}

// newSnowflake accepts either machine id width of the generator constructor.
func newSnowflake[T ~int | ~uint16](newFn func(time.Time, T) generator.Generator, machineID int) generator.Generator {
	return newFn(snowflakeEpoch, T(machineID))
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := log.GetLogger()

	registry := functions.NewRegistry()
	if path, _ := cmd.Flags().GetString("functions"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read function manifest: %w", err)
		}
		client := &http.Client{Timeout: cfg.ServiceTimeout + 5*time.Second}
		if err := registry.RegisterManifest(data, client); err != nil {
			return nil, err
		}
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	engine, err := workflow.NewEngine(newSnowflake(generator.NewSnowflake, cfg.MachineID), store, nil,
		workflow.WithRegistry(registry),
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger),
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine.SubscribeEvent(events.AllEvents, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		logger.WithFields(logrus.Fields{
			"event":       ev.Type,
			"instance_id": ev.InstanceID,
			"node_id":     ev.NodeID,
			"task_id":     ev.TaskID,
			"actor":       ev.ActorID,
		}).Debug("history event")
		return nil
	}))

	logger.WithFields(logrus.Fields{
		"storage":    cfg.StorageDriver,
		"machine_id": cfg.MachineID,
	}).Debug("engine ready")
	return &app{cfg: cfg, logger: logger, store: store, engine: engine}, nil
}

func (a *app) worker() *worker.Worker {
	return worker.New(a.engine, worker.Options{
		Workers:        a.cfg.Workers,
		PollInterval:   a.cfg.PollInterval,
		LeaseTTL:       a.cfg.LeaseTTL,
		MaxAttempts:    a.cfg.MaxAttempts,
		BackoffBase:    a.cfg.BackoffBase,
		BackoffCap:     a.cfg.BackoffCap,
		ServiceTimeout: a.cfg.ServiceTimeout,
		Retention:      a.cfg.QueueRetention,
	}, worker.WithLogger(a.logger))
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.engine.Stop(ctx); err != nil {
		a.logger.WithError(err).Warn("event bus did not drain")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("failed to close storage")
	}
}

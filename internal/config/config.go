// Package config loads process settings from a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds every setting of the engine process.
type Config struct {
	StorageDriver string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	HTTPAddr      string

	Workers        int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ServiceTimeout time.Duration
	QueueRetention time.Duration

	// MachineID is the snowflake node id; processes sharing a store need distinct values.
	MachineID int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		StorageDriver:  DriverMemory,
		RedisAddr:      "localhost:6379",
		HTTPAddr:       ":8080",
		Workers:        4,
		PollInterval:   500 * time.Millisecond,
		LeaseTTL:       2 * time.Minute,
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffCap:     5 * time.Minute,
		ServiceTimeout: 30 * time.Second,
		QueueRetention: 24 * time.Hour,
		MachineID:      1,
	}
}

// Load reads files (".env" when none are given) into the environment and builds a Config from
// the ENGINE_* variables. A missing .env file is not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	c := Default()
	l := loader{}
	l.str("ENGINE_STORAGE_DRIVER", &c.StorageDriver)
	l.str("ENGINE_DATABASE_URL", &c.DatabaseURL)
	l.str("ENGINE_REDIS_ADDR", &c.RedisAddr)
	l.str("ENGINE_REDIS_PASSWORD", &c.RedisPassword)
	l.int("ENGINE_REDIS_DB", &c.RedisDB)
	l.str("ENGINE_HTTP_ADDR", &c.HTTPAddr)
	l.int("ENGINE_WORKERS", &c.Workers)
	l.duration("ENGINE_POLL_INTERVAL", &c.PollInterval)
	l.duration("ENGINE_LEASE_TTL", &c.LeaseTTL)
	l.int("ENGINE_MAX_ATTEMPTS", &c.MaxAttempts)
	l.duration("ENGINE_BACKOFF_BASE", &c.BackoffBase)
	l.duration("ENGINE_BACKOFF_CAP", &c.BackoffCap)
	l.duration("ENGINE_SERVICE_TIMEOUT", &c.ServiceTimeout)
	l.duration("ENGINE_QUEUE_RETENTION", &c.QueueRetention)
	l.int("ENGINE_MACHINE_ID", &c.MachineID)
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis storage requires a redis address"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres storage requires a database url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}

	positive := map[string]time.Duration{
		"poll interval":   c.PollInterval,
		"lease ttl":       c.LeaseTTL,
		"backoff base":    c.BackoffBase,
		"backoff cap":     c.BackoffCap,
		"service timeout": c.ServiceTimeout,
		"queue retention": c.QueueRetention,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff cap %s is below backoff base %s", c.BackoffCap, c.BackoffBase))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MachineID < 0 || c.MachineID > 65535 {
		errs = append(errs, fmt.Errorf("machine id %d out of range", c.MachineID))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}
	return errors.Join(errs...)
}

type loader struct {
	errs []error
}

func (l *loader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

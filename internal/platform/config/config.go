// Package config loads process configuration once at startup into an
// immutable struct. Log mode for the initial logger, log redaction/hash
// salt, and OTel exporter settings are read from the environment by
// cmd/tasker, internal/pkg/logger and internal/observability themselves.
package config

import (
	"fmt"

	"github.com/tasker-systems/tasker/internal/platform/envutil"
)

type QueueBackend string

const (
	QueueBackendPostgres QueueBackend = "postgres"
	QueueBackendRedis    QueueBackend = "redis"
)

// Config is the engine's immutable-after-startup configuration.
type Config struct {
	LogMode string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	QueueBackend QueueBackend
	RedisAddr    string
	RedisChannel string

	// AdvisoryLockNamespace salts the FNV-64a key (db.AdvisoryLockKey) for
	// per-task advisory locks so multiple Tasker deployments can share one Postgres instance
	// without colliding lock keys.
	AdvisoryLockNamespace string

	// ReadinessPollIntervalMS is how often ResultProcessorActor polls the
	// completion queue (engine.Config.ResultPollInterval).
	ReadinessPollIntervalMS int
	// StepEnqueueBatchSize bounds how many ready steps StepEnqueuerActor
	// bulk-enqueues per flush.
	StepEnqueueBatchSize int
	// StepEnqueueFlushIntervalMS is the timer-based flush fallback when a
	// batch never fills.
	StepEnqueueFlushIntervalMS int
	// VisibilityTimeoutSeconds is the default queue lease length.
	VisibilityTimeoutSeconds int
	// StaleClaimRecoverySeconds is how long a claimed-but-not-heartbeating
	// step is allowed to sit before it is treated as abandoned and
	// re-claimed.
	StaleClaimRecoverySeconds int

	ActorChannelCapacity int
	ShutdownDrainSeconds int

	HTTPAddress string
	// HTTPAuthToken, when set, is required as a bearer token on /api
	// routes. Empty disables the check.
	HTTPAuthToken string
	// HTTPCORSOrigins is a comma-separated allow-list; empty disables CORS.
	HTTPCORSOrigins []string

	ServiceName string
	Environment string
}

func Load(log interface{ Info(string, ...interface{}) }) (*Config, error) {
	cfg := &Config{
		LogMode: envutil.String("LOG_MODE", "development"),

		PostgresHost:     envutil.String("POSTGRES_HOST", "localhost"),
		PostgresPort:     envutil.String("POSTGRES_PORT", "5432"),
		PostgresUser:     envutil.String("POSTGRES_USER", "postgres"),
		PostgresPassword: envutil.String("POSTGRES_PASSWORD", ""),
		PostgresDB:       envutil.String("POSTGRES_DB", "tasker"),

		QueueBackend: QueueBackend(envutil.String("QUEUE_BACKEND", string(QueueBackendPostgres))),
		RedisAddr:    envutil.String("REDIS_ADDR", "localhost:6379"),
		RedisChannel: envutil.String("REDIS_CHANNEL", "tasker:step-completions"),

		AdvisoryLockNamespace: envutil.String("ADVISORY_LOCK_NAMESPACE", "tasker"),

		ReadinessPollIntervalMS:    envutil.Int("READINESS_POLL_INTERVAL_MS", 500),
		StepEnqueueBatchSize:       envutil.Int("STEP_ENQUEUE_BATCH_SIZE", 50),
		StepEnqueueFlushIntervalMS: envutil.Int("STEP_ENQUEUE_FLUSH_INTERVAL_MS", 200),
		VisibilityTimeoutSeconds:   envutil.Int("VISIBILITY_TIMEOUT_SECONDS", 30),
		StaleClaimRecoverySeconds:  envutil.Int("STALE_CLAIM_RECOVERY_SECONDS", 120),

		ActorChannelCapacity: envutil.Int("ACTOR_CHANNEL_CAPACITY", 256),
		ShutdownDrainSeconds: envutil.Int("SHUTDOWN_DRAIN_SECONDS", 10),

		HTTPAddress:     envutil.String("HTTP_ADDRESS", ":8080"),
		HTTPAuthToken:   envutil.String("HTTP_AUTH_TOKEN", ""),
		HTTPCORSOrigins: envutil.StringSlice("HTTP_CORS_ORIGINS"),

		ServiceName: envutil.String("SERVICE_NAME", "tasker"),
		Environment: envutil.String("ENVIRONMENT", "development"),
	}

	switch cfg.QueueBackend {
	case QueueBackendPostgres, QueueBackendRedis:
	default:
		return nil, fmt.Errorf("config: unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	if log != nil {
		log.Info("configuration loaded", "queue_backend", cfg.QueueBackend, "log_mode", cfg.LogMode)
	}
	return cfg, nil
}

// PostgresDSN builds the libpq-style DSN gorm's postgres driver expects.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB,
	)
}

// Package db opens the Postgres connection gorm uses for all persistence,
// and exposes the advisory-lock helper that serializes per-task transitions.
package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/platform/config"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func Open(cfg *config.Config, baseLog *logger.Logger) (*Service, error) {
	svcLog := baseLog.With("service", "db.Service")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	svcLog.Info("connecting to postgres")
	conn, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := conn.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &Service{db: conn, log: svcLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

// AdvisoryLockKey derives a stable int64 lock key for pg_advisory_xact_lock
// from a task UUID and the configured lock namespace, so multiple Tasker
// deployments sharing one Postgres instance don't collide lock keys.
func AdvisoryLockKey(namespace, taskUUID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace + ":" + taskUUID))
	return int64(h.Sum64())
}

// WithTaskLock runs fn inside a transaction holding the per-task advisory
// lock for taskUUID. The lock is released automatically at transaction end;
// it is never held across a suspension point outside this transaction.
func WithTaskLock(ctx context.Context, gdb *gorm.DB, namespace, taskUUID string, fn func(tx *gorm.DB) error) error {
	key := AdvisoryLockKey(namespace, taskUUID)
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		return fn(tx)
	})
}

// Package store persists nodes, relationships and sync jobs. The DSN picks
// the backend: a postgres:// URL opens Postgres, anything else is treated as
// a sqlite path, which keeps single-binary deployments and tests free of
// external services.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omnivault/sync-engine/models"
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects, migrates and sizes the pool. maxConns should cover the
// worker pool's parallel batches; sqlite is pinned to one connection and
// relies on its busy timeout instead.
func Open(dsn string, maxConns int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if maxConns < 1 {
		maxConns = 1
	}

	var dialector gorm.Dialector

	sqliteDSN := !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://")
	if sqliteDSN {
		if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}

		dialector = sqlite.Open(dsn)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}

	if sqliteDSN {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{db: db, log: logger}

	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&models.Credential{},
		&models.Node{},
		&models.Relationship{},
		&models.SyncJob{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	return nil
}

// DB exposes the underlying handle for collaborators that share the
// database, like the credential store.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

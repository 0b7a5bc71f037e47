// Package gorm provides GORM-based database operations for storygroup.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store represents the GORM database connection. PostgreSQL is the
// production backend; a SQLite DSN gives a local single-file store with the
// same schema (vectors stored in their text encoding).
type Store struct {
	DB    *gorm.DB
	sqlDB *sql.DB
}

// Config holds database configuration.
type Config struct {
	DSN      string          // postgres://... or a sqlite file path
	MaxConns int             // maximum number of open connections (default: 4)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore creates a new Store and runs migrations.
func NewStore(cfg Config) (*Store, error) {
	dialector, pg := openDialector(cfg.DSN)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, pg); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug().Bool("postgres", pg).Int("max_conns", maxConns).Msg("Store initialized")
	return &Store{DB: db, sqlDB: sqlDB}, nil
}

// openDialector picks a driver from the DSN shape and reports whether the
// backend is PostgreSQL.
func openDialector(dsn string) (gorm.Dialector, bool) {
	if strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return postgres.Open(dsn), true
	}
	return sqlite.Open(dsn), false
}

// IsPostgres reports whether the store talks to PostgreSQL.
func (s *Store) IsPostgres() bool {
	return s.DB.Dialector.Name() == "postgres"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// GetRawDB returns the underlying *sql.DB for operations GORM can't handle.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// Stats returns database connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// readRetries is the number of extra attempts for idempotent reads that hit
// a transient store error.
const readRetries = 2

// withReadRetry runs fn, retrying a transient failure with a short backoff.
// Writes are never routed through here; they surface errors immediately.
func withReadRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			log.Warn().Err(err).Str("operation", operation).Int("attempt", attempt).
				Msg("Retrying read after transient error")
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Package storage manages the orchestrator's database connection and the
// handful of ambient concerns every GORM-backed repository needs: opening
// SQLite (pure-Go, no CGO) or PostgreSQL, routing GORM's own log lines
// through zap, migrating registered models, and encrypting sensitive string
// columns at rest.
//
// Grounded on the server/internal/db package: New/Config mirror db.go's
// driver switch and connection pool tuning, zapGORMLogger mirrors
// db/logger.go verbatim in shape, and EncryptedString mirrors db/encrypt.go's
// AES-256-GCM envelope. AutoMigrate replaces a golang-migrate embedded-SQL
// pipeline (see DESIGN.md's dropped-dependency entry) — every
// repository package in this module owns its GORM model and registers it
// here instead of shipping hand-authored migration files.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

// Config holds the configuration required to open a database connection.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens a database connection and returns the ready-to-use *gorm.DB.
// Callers are responsible for calling Migrate with the models they own.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("storage: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open manually via database/sql using the modernc driver, then hand
		// the existing *sql.DB to GORM so it doesn't open a second connection
		// with go-sqlite3 (which needs CGO).
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: init gorm with sqlite: %w", err)
		}

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

	default:
		return nil, fmt.Errorf("storage: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	return database, nil
}

// Migrate runs AutoMigrate for every model a caller passes, in the order
// given. Call once at startup after New, with each repository package's own
// model(s).
func Migrate(db *gorm.DB, models ...any) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

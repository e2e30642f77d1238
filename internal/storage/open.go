package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	logx "castbot/pkg/logx"
)

// Open initializes the configured store and migrates its schema.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		db, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		db, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(entities()...); err != nil {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", driver))
	return newGormStore(db, log), nil
}

func gormConfig(cfg Config, log logx.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:                 newGormLogger(log, cfg.SlowQuery),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
}

func openSQLite(cfg Config, log logx.Logger) (*gorm.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	// modernc registers itself as "sqlite"; the gorm dialector defaults to cgo "sqlite3".
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: path}), gormConfig(cfg, log))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	applyPragmas(db, path, pragmas, log)
	return db, nil
}

// applyPragmas runs each statement and keeps going on failure; the database
// still works with sqlite defaults, just slower or less tolerant of locks.
func applyPragmas(db *gorm.DB, path string, pragmas []string, log logx.Logger) int {
	failed := 0
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			failed++
			log.Warn("sqlite pragma failed",
				logx.String("path", path),
				logx.String("pragma", p),
				logx.Err(err),
			)
		}
	}
	return failed
}

func openPostgres(cfg Config, log logx.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig(cfg, log))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	n := cfg.MaxOpenConns
	if n <= 0 {
		n = 10
	}
	sqlDB.SetMaxOpenConns(n)
	sqlDB.SetMaxIdleConns(n / 2)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

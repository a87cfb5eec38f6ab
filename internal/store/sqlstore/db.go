// Package sqlstore keeps jobs and performance results in Postgres or SQLite
// through GORM.
package sqlstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sitespeed/internal/logger"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Options struct {
	Driver string
	// DSN is the Postgres connection string.
	DSN string
	// Path is the SQLite file, or ":memory:".
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Verbose         bool
}

// Open connects with the configured driver and migrates the schema.
func Open(o Options) (*gorm.DB, error) {
	level := gormlogger.Warn
	if o.Verbose {
		level = gormlogger.Info
	}
	cfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch o.Driver {
	case DriverPostgres:
		db, err = openPostgres(o, cfg)
	case DriverSQLite:
		db, err = openSQLite(o, cfg)
	default:
		return nil, fmt.Errorf("sqlstore: unknown driver %q", o.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get sql.DB: %w", err)
	}
	if o.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(o.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&jobRow{}, &resultRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return db, nil
}

func openPostgres(o Options, cfg *gorm.Config) (*gorm.DB, error) {
	// Simple protocol keeps transaction poolers working.
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  o.DSN,
		PreferSimpleProtocol: true,
	}), cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect postgres: %w", err)
	}
	return db, nil
}

func openSQLite(o Options, cfg *gorm.Config) (*gorm.DB, error) {
	path := o.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlstore: create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect sqlite: %w", err)
	}
	if path != ":memory:" {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			logger.New("SQLStore").LogWarnf("sqlite WAL mode unavailable for %s: %v", path, err)
		}
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options describes the schema a caller needs.
type Options struct {
	Path       string
	Logger     *zap.Logger
	Models     []any
	Migrations []Migration
}

// OpenSQLite establishes a SQLite connection, migrates the supplied models and
// applies pending data migrations.
func OpenSQLite(opts Options) (*gorm.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, opts.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, opts.Migrations, opts.Logger); err != nil {
		return nil, err
	}

	if opts.Logger != nil {
		opts.Logger.Info("database initialized", zap.String("path", opts.Path), zap.Int("models", len(opts.Models)))
	}

	return db, nil
}

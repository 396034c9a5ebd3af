package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a named, run-once data fix. Names are recorded after a
// successful run and never applied again.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, migrations []Migration, logger *zap.Logger) error {
	for _, migration := range migrations {
		name := strings.TrimSpace(migration.Name)
		if name == "" || migration.Apply == nil {
			return fmt.Errorf("database: migration requires a name and an apply func")
		}
		var record migrationRecord
		err := db.Where("name = ?", name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", name))
		}
	}
	return nil
}

package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClampNegativeOfferCounters = "2026-10-01_clamp_negative_offer_counters"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClampNegativeOfferCounters, apply: clampNegativeOfferCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clampNegativeOfferCounters repairs offer counters that a failed compensation or a manual edit
// left below zero. The ledger never writes a negative counter itself.
func clampNegativeOfferCounters(db *gorm.DB) error {
	for _, field := range []string{"$.pendingCount", "$.enrolledCount"} {
		err := db.Model(&docstore.Record{}).
			Where("collection = ? AND json_extract(data_json, ?) < 0", "offers", field).
			Update("data_json", gorm.Expr("json_set(data_json, ?, 0)", field)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/localstate"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationImportLegacyQueue = "2026-09-01_import_legacy_offline_queue"

	// LegacyQueueKey is where earlier agents kept the whole queue as one serialized array.
	LegacyQueueKey = "offline_queue"
)

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
		{name: migrationImportLegacyQueue, apply: importLegacyQueue},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// importLegacyQueue moves a serialized queue array into pending_operations, oldest first,
// keeping ids that are already present, then drops the legacy key.
func importLegacyQueue(db *gorm.DB) error {
	var entry localstate.Entry
	err := db.Where("state_key = ?", LegacyQueueKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var operations []queue.PendingOperation
	if err := json.Unmarshal([]byte(entry.ValueJSON), &operations); err != nil {
		return fmt.Errorf("decode legacy queue: %w", err)
	}
	sort.SliceStable(operations, func(i, j int) bool {
		return operations[i].Timestamp.Before(operations[j].Timestamp)
	})

	for _, op := range operations {
		if op.ID == "" {
			continue
		}
		if _, err := queue.ParseOperationType(string(op.Type)); err != nil {
			return fmt.Errorf("legacy operation %s: %w", op.ID, err)
		}
		record, err := queue.NewOperationRecord(op)
		if err != nil {
			return err
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
	}
	return db.Where("state_key = ?", LegacyQueueKey).Delete(&localstate.Entry{}).Error
}

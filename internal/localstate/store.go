// Package localstate is a small durable key-value store for agent state that is not
// row-shaped: the last sync snapshot and the per-entity cache snapshots.
package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const cacheKeyPrefix = "cache:"

var errMissingDatabase = errors.New("localstate: database handle is required")

// Entry is one persisted key.
type Entry struct {
	Key              string `gorm:"column:state_key;primaryKey;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "local_state"
}

// Store reads and writes JSON values by key.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Store. The local_state table must already be migrated.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: time.Now, logger: logger}, nil
}

// Get decodes the value stored under key into out. It reports false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("state_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localstate: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.ValueJSON), out); err != nil {
		return false, fmt.Errorf("localstate: decode %s: %w", key, err)
	}
	return true, nil
}

// Put upserts the JSON encoding of value under key.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localstate: encode %s: %w", key, err)
	}
	entry := Entry{Key: key, ValueJSON: string(encoded), UpdatedAtSeconds: s.clock().UTC().Unix()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("local state write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("localstate: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("state_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("localstate: delete %s: %w", key, err)
	}
	return nil
}

// SaveCollection persists one entity's cached records.
func (s *Store) SaveCollection(ctx context.Context, entity string, records []cache.Record) error {
	return s.Put(ctx, cacheKeyPrefix+entity, records)
}

// LoadCollections returns every persisted entity snapshot.
func (s *Store) LoadCollections(ctx context.Context) (map[string][]cache.Record, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Where("state_key LIKE ?", cacheKeyPrefix+"%").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("localstate: load collections: %w", err)
	}
	collections := make(map[string][]cache.Record, len(entries))
	for _, entry := range entries {
		var records []cache.Record
		if err := json.Unmarshal([]byte(entry.ValueJSON), &records); err != nil {
			return nil, fmt.Errorf("localstate: decode %s: %w", entry.Key, err)
		}
		collections[strings.TrimPrefix(entry.Key, cacheKeyPrefix)] = records
	}
	return collections, nil
}

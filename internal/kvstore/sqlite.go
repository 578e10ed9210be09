package kvstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Item is a single persisted key-value pair.
type Item struct {
	Key         string `gorm:"column:item_key;primaryKey;size:190;not null"`
	Value       string `gorm:"column:item_value;type:text;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "kv_items"
}

// SQLiteStore persists items in the kv_items table. The schema is migrated by the database package.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an open gorm handle.
func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db, clock: time.Now}
}

func (s *SQLiteStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	var item Item
	err := s.db.WithContext(ctx).Where("item_key = ?", key).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return item.Value, true, nil
}

// SetItem upserts the whole value in a single statement.
func (s *SQLiteStore) SetItem(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	item := Item{Key: key, Value: value, UpdatedAtMs: s.clock().UTC().UnixMilli()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_value", "updated_at_ms"}),
	}).Create(&item).Error
}

func (s *SQLiteStore) RemoveItem(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("item_key = ?", key).Delete(&Item{}).Error
}

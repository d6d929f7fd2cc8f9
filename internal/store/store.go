package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fila-client/internal/model"
	"fila-client/internal/storage"
)

// Store defines the persistent key/value tier operations.
type Store interface {
	Get(ctx context.Context, key string) (storage.Item, bool, error)
	Set(ctx context.Context, key, value string, expiresAt time.Time) error
	Remove(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Ensure gormStore can back the storage layer at compile time.
var _ storage.Backend = (*gormStore)(nil)

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, now: time.Now}
}

// Get loads one item, deleting it instead if it has already expired.
func (s *gormStore) Get(ctx context.Context, key string) (storage.Item, bool, error) {
	var row model.StorageItem
	err := s.db.WithContext(ctx).Where("storage_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Item{}, false, nil
	}
	if err != nil {
		return storage.Item{}, false, fmt.Errorf("failed to read storage item %q: %w", key, err)
	}

	item := storage.Item{Value: row.Value}
	if row.ExpiresAt != nil {
		item.ExpiresAt = *row.ExpiresAt
	}
	if item.Expired(s.now()) {
		if err := s.Remove(ctx, key); err != nil {
			return storage.Item{}, false, err
		}
		return storage.Item{}, false, nil
	}
	return item, true, nil
}

// Set upserts one item.
func (s *gormStore) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	row := model.StorageItem{Key: key, Value: value}
	if !expiresAt.IsZero() {
		at := expiresAt.UTC()
		row.ExpiresAt = &at
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to write storage item %q: %w", key, err)
	}
	return nil
}

// Remove deletes one item. Removing a missing key is not an error.
func (s *gormStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("storage_key = ?", key).Delete(&model.StorageItem{}).Error; err != nil {
		return fmt.Errorf("failed to delete storage item %q: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes every item whose expiry has lapsed.
func (s *gormStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&model.StorageItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired storage items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

package storage

import (
	"context"
	"log"
	"time"
)

// Migrating reads through a legacy persistent tier into the current
// session tier. Any item found only in the legacy tier is moved across and
// deleted from it; writes only ever land in the current tier.
type Migrating struct {
	legacy  Backend
	current Backend
}

// NewMigrating creates a migrating back-end.
func NewMigrating(legacy, current Backend) *Migrating {
	return &Migrating{legacy: legacy, current: current}
}

// Get returns the item under key, migrating it from the legacy tier if needed.
func (m *Migrating) Get(ctx context.Context, key string) (Item, bool, error) {
	item, found, err := m.current.Get(ctx, key)
	if err != nil || found {
		return item, found, err
	}

	item, found, err = m.legacy.Get(ctx, key)
	if err != nil || !found {
		return Item{}, false, err
	}

	if err := m.current.Set(ctx, key, item.Value, item.ExpiresAt); err != nil {
		return Item{}, false, err
	}
	if err := m.legacy.Remove(ctx, key); err != nil {
		log.Printf("Warning: migrated %q but could not remove it from the legacy tier: %v", key, err)
	} else {
		log.Printf("Migrated %q from the persistent tier into the session tier", key)
	}
	return item, true, nil
}

// Set writes key to the current tier and drops any legacy copy.
func (m *Migrating) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	if err := m.current.Set(ctx, key, value, expiresAt); err != nil {
		return err
	}
	if err := m.legacy.Remove(ctx, key); err != nil {
		log.Printf("Warning: could not remove legacy copy of %q: %v", key, err)
	}
	return nil
}

// Remove deletes key from both tiers.
func (m *Migrating) Remove(ctx context.Context, key string) error {
	errCurrent := m.current.Remove(ctx, key)
	errLegacy := m.legacy.Remove(ctx, key)
	if errCurrent != nil {
		return errCurrent
	}
	return errLegacy
}

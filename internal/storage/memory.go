package storage

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// Memory is the tab-lifetime tier, backed by go-cache so lapsed items are
// also swept by its janitor.
type Memory struct {
	items *cache.Cache
	now   func() time.Time
}

// NewMemory creates an empty in-memory back-end.
func NewMemory() *Memory {
	return &Memory{
		items: cache.New(cache.NoExpiration, 10*time.Minute),
		now:   time.Now,
	}
}

// Get returns the item stored under key.
func (m *Memory) Get(_ context.Context, key string) (Item, bool, error) {
	v, found := m.items.Get(key)
	if !found {
		return Item{}, false, nil
	}
	stored := v.(memoryItem)
	item := Item{Value: stored.value, ExpiresAt: stored.expiresAt}
	if item.Expired(m.now()) {
		m.items.Delete(key)
		return Item{}, false, nil
	}
	return item, true, nil
}

// Set stores value under key until expiresAt.
func (m *Memory) Set(_ context.Context, key, value string, expiresAt time.Time) error {
	ttl := cache.NoExpiration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(m.now())
		if ttl <= 0 {
			m.items.Delete(key)
			return nil
		}
	}
	m.items.Set(key, memoryItem{value: value, expiresAt: expiresAt}, ttl)
	return nil
}

// Remove deletes key.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

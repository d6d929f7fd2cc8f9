// Package storage abstracts the key/value surface that client identity is
// persisted on. Every back-end exposes the same get/set/remove calls and
// treats an item past its expiry as absent.
package storage

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"time"

	"fila-client/config"
)

// Item is a stored value and the instant it stops being valid.
// A zero ExpiresAt never expires.
type Item struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the item is past its expiry at now.
func (i Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Backend is the capability interface every storage tier implements.
type Backend interface {
	Get(ctx context.Context, key string) (Item, bool, error)
	Set(ctx context.Context, key, value string, expiresAt time.Time) error
	Remove(ctx context.Context, key string) error
}

// Select builds the back-end named by cfg.Backend. The persistent tier is
// only required by the "storage" back-end.
func Select(cfg config.SessionConfig, persistent Backend) (Backend, error) {
	switch cfg.Backend {
	case "cookie":
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		return NewCookie(jar, cfg.CookieURL)
	case "storage":
		if persistent == nil {
			return nil, fmt.Errorf("storage backend requires a persistent tier")
		}
		return NewMigrating(persistent, NewMemory()), nil
	case "memory", "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

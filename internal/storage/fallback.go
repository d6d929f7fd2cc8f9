package storage

import (
	"context"
	"log"
	"sync"
	"time"
)

// Fallback wraps a primary back-end and permanently degrades to an in-memory
// tier the first time the primary fails. It never returns an error.
type Fallback struct {
	mu       sync.Mutex
	primary  Backend
	memory   *Memory
	degraded bool
}

// WithFallback wraps primary. Wrapping a *Fallback returns it unchanged.
func WithFallback(primary Backend) *Fallback {
	if f, ok := primary.(*Fallback); ok {
		return f
	}
	return &Fallback{primary: primary, memory: NewMemory()}
}

// Degraded reports whether the primary tier has been abandoned.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) active() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded || f.primary == nil {
		return f.memory
	}
	return f.primary
}

func (f *Fallback) degrade(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return
	}
	f.degraded = true
	log.Printf("Storage %s failed (%v); keeping identity in memory for the rest of this session", op, err)
}

// Get returns the item under key.
func (f *Fallback) Get(ctx context.Context, key string) (Item, bool, error) {
	b := f.active()
	item, found, err := b.Get(ctx, key)
	if err == nil {
		return item, found, nil
	}
	f.degrade("read", err)
	item, found, _ = f.memory.Get(ctx, key)
	return item, found, nil
}

// Set stores value under key.
func (f *Fallback) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	b := f.active()
	if err := b.Set(ctx, key, value, expiresAt); err != nil {
		f.degrade("write", err)
		return f.memory.Set(ctx, key, value, expiresAt)
	}
	return nil
}

// Remove deletes key.
func (f *Fallback) Remove(ctx context.Context, key string) error {
	b := f.active()
	if err := b.Remove(ctx, key); err != nil {
		f.degrade("remove", err)
	}
	return f.memory.Remove(ctx, key)
}

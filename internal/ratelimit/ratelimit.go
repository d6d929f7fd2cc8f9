// Package ratelimit is an in-memory fixed-window limiter keyed by endpoint
// class. It throttles runaway client retries before they reach the network.
//
// This is a self-throttling aid only. The backend stays the authoritative
// limiter and must enforce its own ceilings.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"fila-client/config"
	"fila-client/internal/metrics"
)

// Class groups endpoints that share a ceiling.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassQueue   Class = "queue"
	ClassPublic  Class = "public"
	ClassDefault Class = "default"
)

// Rule is the ceiling and window length of one class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the historical per-class ceilings.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassAuth:    {Limit: 5, Window: 15 * time.Minute},
		ClassQueue:   {Limit: 10, Window: time.Minute},
		ClassPublic:  {Limit: 100, Window: 15 * time.Minute},
		ClassDefault: {Limit: 30, Window: time.Minute},
	}
}

// RulesFromConfig converts the rate_limit config section.
func RulesFromConfig(cfg config.RateLimitConfig) map[Class]Rule {
	rules := DefaultRules()
	for name, class := range cfg.Classes {
		if class.Limit <= 0 || class.Window <= 0 {
			continue
		}
		rules[Class(name)] = Rule{Limit: class.Limit, Window: class.Window}
	}
	return rules
}

// Decision is the result of one check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type record struct {
	count   int
	resetAt time.Time
}

// Limiter holds one counter per (key, class) pair.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Class]Rule
	records *cache.Cache
	now     func() time.Time
}

// New creates a limiter. Lapsed records are also dropped by the go-cache
// janitor every sweepInterval.
func New(rules map[Class]Rule, sweepInterval time.Duration) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	if _, ok := rules[ClassDefault]; !ok {
		rules[ClassDefault] = DefaultRules()[ClassDefault]
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Limiter{
		rules:   rules,
		records: cache.New(cache.NoExpiration, sweepInterval),
		now:     time.Now,
	}
}

// Rule returns the rule applied to class, falling back to the default class.
func (l *Limiter) Rule(class Class) Rule {
	if r, ok := l.rules[class]; ok {
		return r
	}
	return l.rules[ClassDefault]
}

func recordKey(key string, class Class) string {
	return string(class) + "|" + key
}

// Allow checks and, when allowed, consumes one unit of quota atomically.
// A denied call never consumes quota.
func (l *Limiter) Allow(key string, class Class) Decision {
	rule := l.Rule(class)
	rk := recordKey(key, class)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.current(rk, now)
	if rec == nil {
		rec = &record{resetAt: now.Add(rule.Window)}
	}

	if rec.count >= rule.Limit {
		metrics.TrackRateLimit(string(class), false)
		return Decision{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: rec.resetAt}
	}

	rec.count++
	l.records.Set(rk, rec, rec.resetAt.Sub(now))
	metrics.TrackRateLimit(string(class), true)
	return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - rec.count, ResetAt: rec.resetAt}
}

// current returns the live record for rk, dropping it once its window lapsed.
func (l *Limiter) current(rk string, now time.Time) *record {
	v, found := l.records.Get(rk)
	if !found {
		return nil
	}
	rec := v.(*record)
	if now.After(rec.resetAt) {
		l.records.Delete(rk)
		return nil
	}
	return rec
}

// Sweep removes every record whose window has lapsed and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for rk, item := range l.records.Items() {
		if rec, ok := item.Object.(*record); ok && now.After(rec.resetAt) {
			l.records.Delete(rk)
			removed++
		}
	}
	return removed
}

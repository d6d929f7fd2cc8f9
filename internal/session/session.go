// Package session keeps the anonymous customer's queue claim: the backend
// token, who entered, which shop, and when the claim lapses.
//
// Expiry is lazy: Current clears storage the first time it observes an
// expired session. Callers should re-read before every use rather than hold
// on to a session value, since expiry can flip between two reads.
package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"fila-client/internal/model"
	"fila-client/internal/storage"
)

const (
	keyToken      = "fila.session.token"
	keyCustomer   = "fila.session.customer"
	keyBarbershop = "fila.session.barbershop"
	keyIssuedAt   = "fila.session.issued_at"
	keyExpiresAt  = "fila.session.expires_at"
)

var allKeys = []string{keyToken, keyCustomer, keyBarbershop, keyIssuedAt, keyExpiresAt}

// WarningLevel drives the expiration banner.
type WarningLevel string

const (
	WarningNone     WarningLevel = "none"     // no live session
	WarningOK       WarningLevel = "ok"       // more than 15 minutes left
	WarningSoon     WarningLevel = "warning"  // 5 to 15 minutes left
	WarningCritical WarningLevel = "critical" // under 5 minutes left
)

// Level maps the remaining session time onto a banner severity.
func Level(remaining time.Duration) WarningLevel {
	switch {
	case remaining <= 0:
		return WarningNone
	case remaining > 15*time.Minute:
		return WarningOK
	case remaining >= 5*time.Minute:
		return WarningSoon
	}
	return WarningCritical
}

type customerData struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Store is the single writer of session data.
type Store struct {
	mu      sync.Mutex
	backend *storage.Fallback
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a session store over backend. Storage failures degrade
// the store to memory for the rest of the process instead of surfacing.
func NewStore(backend storage.Backend, ttl time.Duration) *Store {
	return &Store{
		backend: storage.WithFallback(backend),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue persists a new session, replacing any previous one. A non-positive
// ttl uses the store's default.
func (s *Store) Issue(ctx context.Context, customerName, phone, barbershopID, token string, ttl time.Duration) model.ClientSession {
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := model.ClientSession{
		Token:         token,
		CustomerName:  customerName,
		CustomerPhone: phone,
		BarbershopID:  barbershopID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}

	degraded := s.backend.Degraded()
	s.write(ctx, sess)
	if !degraded && s.backend.Degraded() {
		// The tier changed mid-write; rewrite everything into memory.
		s.write(ctx, sess)
	}
	return sess
}

func (s *Store) write(ctx context.Context, sess model.ClientSession) {
	customer, _ := json.Marshal(customerData{Name: sess.CustomerName, Phone: sess.CustomerPhone})
	values := map[string]string{
		keyToken:      sess.Token,
		keyCustomer:   string(customer),
		keyBarbershop: sess.BarbershopID,
		keyIssuedAt:   sess.IssuedAt.Format(time.RFC3339Nano),
		keyExpiresAt:  sess.ExpiresAt.Format(time.RFC3339Nano),
	}
	for _, key := range allKeys {
		_ = s.backend.Set(ctx, key, values[key], sess.ExpiresAt)
	}
}

// Current returns the session only while it is unexpired. An expired or
// partially stored session is cleared as a side effect.
func (s *Store) Current(ctx context.Context) (*model.ClientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.read(ctx)
	if !ok {
		return nil, false
	}
	if !sess.Valid(s.now()) {
		log.Printf("Session for barbershop %s expired at %s; clearing", sess.BarbershopID, sess.ExpiresAt.Format(time.RFC3339))
		s.clear(ctx)
		return nil, false
	}
	return sess, true
}

func (s *Store) read(ctx context.Context) (*model.ClientSession, bool) {
	token, found, _ := s.backend.Get(ctx, keyToken)
	if !found {
		return nil, false
	}

	values := make(map[string]string, len(allKeys))
	values[keyToken] = token.Value
	for _, key := range allKeys[1:] {
		item, found, _ := s.backend.Get(ctx, key)
		if !found {
			s.clear(ctx)
			return nil, false
		}
		values[key] = item.Value
	}

	var customer customerData
	if err := json.Unmarshal([]byte(values[keyCustomer]), &customer); err != nil {
		log.Printf("Discarding session with unreadable customer data: %v", err)
		s.clear(ctx)
		return nil, false
	}
	issuedAt, errIssued := time.Parse(time.RFC3339Nano, values[keyIssuedAt])
	expiresAt, errExpires := time.Parse(time.RFC3339Nano, values[keyExpiresAt])
	if errIssued != nil || errExpires != nil {
		log.Printf("Discarding session with unreadable timestamps")
		s.clear(ctx)
		return nil, false
	}

	return &model.ClientSession{
		Token:         values[keyToken],
		CustomerName:  customer.Name,
		CustomerPhone: customer.Phone,
		BarbershopID:  values[keyBarbershop],
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
	}, true
}

// RemainingTime is max(0, expiresAt - now), zero when there is no session.
func (s *Store) RemainingTime(ctx context.Context) time.Duration {
	sess, ok := s.Current(ctx)
	if !ok {
		return 0
	}
	return sess.Remaining(s.now())
}

// Warning returns the banner severity for the current session.
func (s *Store) Warning(ctx context.Context) WarningLevel {
	return Level(s.RemainingTime(ctx))
}

// Clear unconditionally removes the session.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear(ctx)
}

func (s *Store) clear(ctx context.Context) {
	for _, key := range allKeys {
		_ = s.backend.Remove(ctx, key)
	}
}

// Token returns the live session token, if any.
func (s *Store) Token(ctx context.Context) (string, bool) {
	sess, ok := s.Current(ctx)
	if !ok {
		return "", false
	}
	return sess.Token, true
}

// Package access decides whether this browser may submit a queue-entry
// request for a shop.
//
// The gate only shapes the experience (showing "scan the QR code" prompts).
// It is not a security boundary: the backend must enforce the same rule on
// its own, and an allowed decision here proves nothing to it.
package access

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"fila-client/internal/model"
	"fila-client/internal/storage"
)

const (
	grantKey = "fila.access.qr_grant"

	// ParamQR and ParamBarbershop are the URL markers a QR code carries.
	ParamQR         = "qr"
	ParamBarbershop = "barbershop"
)

// Source names how a decision was reached.
type Source string

const (
	SourceQR     Source = "qr"
	SourceStored Source = "stored"
	SourceNone   Source = "none"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	BarbershopID string    `json:"barbershopId,omitempty"`
	Source       Source    `json:"source"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Gate evaluates QR access grants.
type Gate struct {
	mu       sync.Mutex
	backend  *storage.Fallback
	validity time.Duration
	now      func() time.Time
}

// NewGate creates a gate whose grants last validity.
func NewGate(backend storage.Backend, validity time.Duration) *Gate {
	return &Gate{
		backend:  storage.WithFallback(backend),
		validity: validity,
		now:      time.Now,
	}
}

// Check evaluates the URL parameters of the current visit. A URL carrying
// both QR markers always grants access and re-issues a fresh grant; without
// them only a still-valid stored grant allows entry, and a stale one is purged.
func (g *Gate) Check(ctx context.Context, params url.Values) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if shop, ok := qrMarkers(params); ok {
		grant := g.grant(ctx, shop)
		return Decision{Allowed: true, BarbershopID: shop, Source: SourceQR, ExpiresAt: grant.ExpiresAt()}
	}

	grant, ok := g.stored(ctx)
	if !ok {
		return Decision{Source: SourceNone}
	}
	if !grant.Valid(g.now()) {
		log.Printf("QR grant for barbershop %s expired at %s; purging", grant.BarbershopID, grant.ExpiresAt().Format(time.RFC3339))
		_ = g.backend.Remove(ctx, grantKey)
		return Decision{Source: SourceNone}
	}
	return Decision{Allowed: true, BarbershopID: grant.BarbershopID, Source: SourceStored, ExpiresAt: grant.ExpiresAt()}
}

func (g *Gate) grant(ctx context.Context, barbershopID string) model.QRAccessGrant {
	grant := model.QRAccessGrant{
		BarbershopID: barbershopID,
		GrantedAt:    g.now(),
		Validity:     g.validity,
	}
	data, _ := json.Marshal(grant)
	_ = g.backend.Set(ctx, grantKey, string(data), grant.ExpiresAt())
	return grant
}

func (g *Gate) stored(ctx context.Context) (model.QRAccessGrant, bool) {
	item, found, _ := g.backend.Get(ctx, grantKey)
	if !found {
		return model.QRAccessGrant{}, false
	}
	var grant model.QRAccessGrant
	if err := json.Unmarshal([]byte(item.Value), &grant); err != nil {
		_ = g.backend.Remove(ctx, grantKey)
		return model.QRAccessGrant{}, false
	}
	return grant, true
}

// Clear removes any stored grant.
func (g *Gate) Clear(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.backend.Remove(ctx, grantKey)
}

func qrMarkers(params url.Values) (string, bool) {
	if params == nil || !strings.EqualFold(params.Get(ParamQR), "true") {
		return "", false
	}
	shop := strings.TrimSpace(params.Get(ParamBarbershop))
	return shop, shop != ""
}

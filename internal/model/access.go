package model

import "time"

// QRAccessGrant is a time-boxed permission to enter one shop's queue.
type QRAccessGrant struct {
	BarbershopID string        `json:"barbershopId"`
	GrantedAt    time.Time     `json:"grantedAt"`
	Validity     time.Duration `json:"validity"`
}

// ExpiresAt is the instant the grant stops being usable.
func (g QRAccessGrant) ExpiresAt() time.Time {
	return g.GrantedAt.Add(g.Validity)
}

// Valid reports whether the grant is still inside its validity window.
func (g QRAccessGrant) Valid(now time.Time) bool {
	return g.BarbershopID != "" && now.Before(g.ExpiresAt())
}

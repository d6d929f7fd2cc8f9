package model

import "time"

// ClientSession is one anonymous customer's claim on a queue slot.
type ClientSession struct {
	Token         string    `json:"token"`
	CustomerName  string    `json:"customerName"`
	CustomerPhone string    `json:"customerPhone"`
	BarbershopID  string    `json:"barbershopId"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Valid reports whether the session may still be presented to the backend.
func (s ClientSession) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Remaining is max(0, ExpiresAt - now).
func (s ClientSession) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

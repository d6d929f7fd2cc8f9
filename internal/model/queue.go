package model

import "time"

// EntryStatus is the server-authoritative state of one queue entry.
type EntryStatus string

const (
	StatusWaiting  EntryStatus = "waiting"
	StatusNext     EntryStatus = "next"
	StatusServing  EntryStatus = "serving"
	StatusFinished EntryStatus = "finished"
	StatusRemoved  EntryStatus = "removed"
)

// Valid reports whether s is one of the known statuses.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusNext, StatusServing, StatusFinished, StatusRemoved:
		return true
	}
	return false
}

// QueueEntry is one customer in a barbershop's queue.
type QueueEntry struct {
	ID            string      `json:"id"`
	CustomerName  string      `json:"customerName"`
	CustomerPhone string      `json:"customerPhone"`
	BarberID      string      `json:"barberId,omitempty"` // empty means the general queue
	BarberName    string      `json:"barberName,omitempty"`
	Status        EntryStatus `json:"status"`
	Position      int         `json:"position,omitempty"` // 0 when the server supplied none
	EnteredAt     time.Time   `json:"enteredAt"`
	Provisional   bool        `json:"provisional,omitempty"`
}

// Identity returns the key used to keep entries unique inside a snapshot.
func (e QueueEntry) Identity() string {
	if e.CustomerPhone != "" {
		return "phone:" + e.CustomerPhone
	}
	return "id:" + e.ID
}

// Barber is the barber-level detail a snapshot may carry.
type Barber struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// QueueSnapshot is the reconciled view of one barbershop's queue.
type QueueSnapshot struct {
	BarbershopID string       `json:"barbershopId"`
	Entries      []QueueEntry `json:"entries"`
	Barbers      []Barber     `json:"barbers,omitempty"`
	FetchedAt    time.Time    `json:"fetchedAt"`
}

// Clone returns a deep copy so callers can never mutate shared state.
func (s QueueSnapshot) Clone() QueueSnapshot {
	dup := s
	if len(s.Entries) > 0 {
		dup.Entries = make([]QueueEntry, len(s.Entries))
		copy(dup.Entries, s.Entries)
	} else {
		dup.Entries = nil
	}
	if len(s.Barbers) > 0 {
		dup.Barbers = make([]Barber, len(s.Barbers))
		copy(dup.Barbers, s.Barbers)
	} else {
		dup.Barbers = nil
	}
	return dup
}

// Contains reports whether an entry with the same identity is present.
func (s QueueSnapshot) Contains(entry QueueEntry) bool {
	id := entry.Identity()
	for _, e := range s.Entries {
		if e.Identity() == id {
			return true
		}
	}
	return false
}

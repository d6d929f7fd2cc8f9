package gateway

import (
	"encoding/json"

	"fila-client/internal/model"
)

// EntryRequest is the payload for entering a queue, by the customer or by an
// admin on their behalf. An empty BarberID joins the general queue.
type EntryRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	BarberID string `json:"barberId,omitempty"`
}

// EntryResult is returned when a customer enters a queue.
type EntryResult struct {
	Token    string           `json:"token"`
	Position int              `json:"position"`
	Entry    model.QueueEntry `json:"entry"`
}

// StatusResult is the server view of the customer's own entry.
type StatusResult struct {
	Entry        model.QueueEntry `json:"entry"`
	Position     int              `json:"position"`
	BarbershopID string           `json:"barbershopId"`
}

// QueueResult is a fetched snapshot and, when the backend supplied one, its
// authoritative statistics.
type QueueResult struct {
	Snapshot   model.QueueSnapshot
	Statistics *model.Statistics
}

type queuePayload struct {
	Entries    []model.QueueEntry `json:"entries"`
	Barbers    []model.Barber     `json:"barbers"`
	Statistics json.RawMessage    `json:"statistics"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginPayload struct {
	Token string `json:"token"`
}

type advanceRequest struct {
	BarberID string `json:"barberId,omitempty"`
}

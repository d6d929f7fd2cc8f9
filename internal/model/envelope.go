package model

import "encoding/json"

// Envelope is the response shape shared by the backend and the local surface.
type Envelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	Code       string          `json:"code,omitempty"` // error kind on failure
	Errors     []string        `json:"errors,omitempty"`
	RetryAfter int             `json:"retryAfter,omitempty"`
}

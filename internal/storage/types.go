package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one fleet event. Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Event    string    `json:"event"`
	Account  string    `json:"account,omitempty"` // credential fingerprint
	Thread   string    `json:"thread,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Action   string    `json:"action,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

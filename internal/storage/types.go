package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Event is one journaled lifecycle event awaiting sync.
// Payload carries the enriched event body as JSON.
type Event struct {
	ID       int64
	At       time.Time
	DeviceID string
	Category string
	Payload  string
}

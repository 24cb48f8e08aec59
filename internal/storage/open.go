package storage

import (
	"context"
	"errors"
	"strings"

	logx "dwellwatch/pkg/logx"
)

// Store is the minimal persistence API used by the engine components.
type Store interface {
	// Durable dedup key set. Append-only for the life of an install.
	PutLoggedKey(ctx context.Context, key string) error
	HasLoggedKey(ctx context.Context, key string) (bool, error)

	// Generic KV (schedule ledger, one-shot flags, device id).
	SetValue(ctx context.Context, key, value string) error
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)

	// Local event journal.
	AppendEvent(ctx context.Context, e Event) (int64, error)
	UnsyncedEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventsSynced(ctx context.Context, ids []int64) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

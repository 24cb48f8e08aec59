// Package eventlog guarantees at-most-once recording of notification
// lifecycle events.
//
// Dedup is two-tiered: a short-lived in-memory set (fast path under burst
// traffic) in front of a durable key set (the cross-restart source of
// truth). The durable set is append-only for the life of an install; keys
// are short strings and study horizons are weeks, so unbounded growth is
// accepted rather than risking re-logged events after long gaps.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "dwellwatch/pkg/logx"
)

// memoryTTL bounds the in-memory tier; entries older than this are purged
// before every check.
const memoryTTL = 15 * time.Minute

// timestampLayout matches the human-readable format the study server ingests.
const timestampLayout = "2006-01-02 15:04:05"

// KeyStore is the durable dedup key set.
type KeyStore interface {
	PutLoggedKey(ctx context.Context, key string) error
	HasLoggedKey(ctx context.Context, key string) (bool, error)
}

// Sink receives accepted, enriched events (the logging/sync collaborator).
type Sink interface {
	Submit(ctx context.Context, e Event) error
	Flush(ctx context.Context)
}

// Event is one enriched lifecycle event handed to the sink.
type Event struct {
	Timestamp string         `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Category  string         `json:"event_category"`
	Data      map[string]any `json:"data"`
}

// Metadata carries the optional context fields of a lifecycle event.
type Metadata struct {
	Title            string
	Body             string
	Region           string
	URL              string
	Action           string
	NotificationType string
	Error            string
	Latitude         *float64
	Longitude        *float64
}

// Recorder deduplicates and forwards lifecycle events.
//
// RecordOnce is serialized by a mutex so no two concurrent callers can both
// pass the "not yet logged" check for the same key.
type Recorder struct {
	store    KeyStore
	sink     Sink
	log      logx.Logger
	deviceID string

	// flushLimit coalesces sink flushes under burst traffic.
	flushLimit *rate.Limiter

	now func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

func New(store KeyStore, sink Sink, deviceID string, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:      store,
		sink:       sink,
		log:        log,
		deviceID:   deviceID,
		flushLimit: rate.NewLimiter(rate.Every(2*time.Second), 1),
		now:        time.Now,
		recent:     map[string]time.Time{},
	}
}

// Key derives the deterministic dedup key for one lifecycle event instance.
func Key(category, event, identifier string) string {
	return category + "_" + event + "_" + identifier
}

// RecordOnce forwards the event to the sink unless it was already recorded.
// It returns true iff this call actually forwarded.
func (r *Recorder) RecordOnce(ctx context.Context, category, event, identifier string, meta Metadata) bool {
	key := Key(category, event, identifier)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked(now)

	if _, ok := r.recent[key]; ok {
		r.log.Debug("duplicate event suppressed", logx.String("key", key))
		return false
	}
	if r.store != nil {
		has, err := r.store.HasLoggedKey(ctx, key)
		if err != nil {
			// Durable tier unavailable: fall back to memory-only dedup.
			r.log.Warn("dedup key lookup failed", logx.String("key", key), logx.Err(err))
		} else if has {
			r.recent[key] = now
			r.log.Debug("duplicate event suppressed (persisted)", logx.String("key", key))
			return false
		}
	}

	r.recent[key] = now
	if r.store != nil {
		if err := r.store.PutLoggedKey(ctx, key); err != nil {
			r.log.Warn("dedup key persist failed", logx.String("key", key), logx.Err(err))
		}
	}

	ev := Event{
		Timestamp: now.Format(timestampLayout),
		DeviceID:  r.deviceID,
		Category:  category,
		Data:      meta.data(event, identifier),
	}
	if r.sink != nil {
		if err := r.sink.Submit(ctx, ev); err != nil {
			r.log.Warn("event submit failed", logx.String("key", key), logx.Err(err))
		} else if r.flushLimit.Allow() {
			r.sink.Flush(ctx)
		}
	}

	r.log.Info("event recorded",
		logx.String("category", category),
		logx.String("event", event),
		logx.String("identifier", identifier))
	return true
}

// Purge drops expired in-memory entries. The durable tier is untouched.
func (r *Recorder) Purge() {
	r.mu.Lock()
	r.purgeLocked(r.now())
	r.mu.Unlock()
}

func (r *Recorder) purgeLocked(now time.Time) {
	for k, at := range r.recent {
		if now.Sub(at) >= memoryTTL {
			delete(r.recent, k)
		}
	}
}

func (m Metadata) data(event, identifier string) map[string]any {
	action := m.Action
	if action == "" {
		action = "None"
	}
	d := map[string]any{
		"event_type":        event,
		"identifier":        identifier,
		"action":            action,
		"title":             m.Title,
		"body":              m.Body,
		"neighborhood":      m.Region,
		"url":               m.URL,
		"error":             m.Error,
		"notification_type": m.NotificationType,
	}
	if m.Latitude != nil {
		d["latitude"] = *m.Latitude
	}
	if m.Longitude != nil {
		d["longitude"] = *m.Longitude
	}
	return d
}

// MarshalPayload encodes the event body for the local journal.
func (e Event) MarshalPayload() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

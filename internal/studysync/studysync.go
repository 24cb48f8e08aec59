// Package studysync is the logging/sync collaborator: it journals accepted
// lifecycle events in local storage and flushes them in batches to the
// remote study server.
//
// Sync is strictly best-effort. A failed flush leaves events queued for the
// next attempt; nothing here is ever fatal (the daemon is instrumentation,
// not a transactional system).
package studysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dwellwatch/internal/eventlog"
	"dwellwatch/internal/storage"
	logx "dwellwatch/pkg/logx"
)

type Config struct {
	// URL of the study server ingest endpoint. Empty keeps events local.
	URL string
	// FlushTimeout bounds one sync round trip. Default 10s.
	FlushTimeout time.Duration
	// BatchSize caps events per flush. Default 100.
	BatchSize int
}

type Client struct {
	cfg   Config
	store storage.Store
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, store storage.Store, log logx.Logger) *Client {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: cfg.FlushTimeout},
		log:   log,
	}
}

// Submit journals the event locally. It never talks to the network.
func (c *Client) Submit(ctx context.Context, e eventlog.Event) error {
	if c.store == nil {
		// No storage configured: log-and-drop so the engine still runs.
		c.log.Info("event (journal disabled)", logx.String("category", e.Category), logx.Any("data", e.Data))
		return nil
	}
	payload, err := e.MarshalPayload()
	if err != nil {
		return fmt.Errorf("studysync: encode event: %w", err)
	}
	_, err = c.store.AppendEvent(ctx, storage.Event{
		DeviceID: e.DeviceID,
		Category: e.Category,
		Payload:  payload,
	})
	return err
}

// Flush pushes unsynced events to the study server and marks them synced.
// With no URL configured it is a no-op (events stay journaled).
func (c *Client) Flush(ctx context.Context) {
	if c.store == nil || strings.TrimSpace(c.cfg.URL) == "" {
		return
	}

	events, err := c.store.UnsyncedEvents(ctx, c.cfg.BatchSize)
	if err != nil {
		c.log.Warn("sync: load unsynced events failed", logx.Err(err))
		return
	}
	if len(events) == 0 {
		return
	}

	batch := make([]json.RawMessage, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		batch = append(batch, json.RawMessage(e.Payload))
		ids = append(ids, e.ID)
	}

	body, err := json.Marshal(batch)
	if err != nil {
		c.log.Warn("sync: encode batch failed", logx.Err(err))
		return
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("sync: build request failed", logx.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("sync: post failed", logx.Err(err), logx.Int("events", len(events)))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("sync: server rejected batch",
			logx.Int("status", resp.StatusCode), logx.Int("events", len(events)))
		return
	}

	if err := c.store.MarkEventsSynced(ctx, ids); err != nil {
		// Events will be re-sent next flush; the server must tolerate replays.
		c.log.Warn("sync: mark synced failed", logx.Err(err))
		return
	}
	c.log.Debug("sync: batch delivered", logx.Int("events", len(events)))
}

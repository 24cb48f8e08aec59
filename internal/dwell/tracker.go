// Package dwell converts a stream of location samples into per-region
// enter/stay/exit transitions and emits a threshold-reached event once per
// continuous dwell session.
package dwell

import (
	"sync"
	"time"

	"dwellwatch/internal/geo"
	logx "dwellwatch/pkg/logx"
)

const (
	DefaultThreshold    = 180 * time.Second
	DefaultPollInterval = 10 * time.Second
)

type Config struct {
	// Threshold is the continuous dwell time that triggers the event.
	Threshold time.Duration
	// PollInterval drives periodic re-evaluation so a quiet location
	// provider cannot delay threshold detection past one tick.
	PollInterval time.Duration
}

// Snapshot is a read-only view of tracker state.
type Snapshot struct {
	Dwelling  bool      `json:"dwelling"`
	Region    string    `json:"region,omitempty"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
	HasFix    bool      `json:"has_fix"`
}

// Tracker is the dwell state machine. At most one dwell session exists at
// a time (single location stream). All mutation happens under one mutex:
// the location feed and the poll tick are the only entry points.
type Tracker struct {
	cfg   Config
	index *geo.Index
	log   logx.Logger

	// onDwell fires when a session reaches the threshold. lat/lon carry the
	// last known coordinate.
	onDwell func(region string, lat, lon *float64)

	now func() time.Time

	mu        sync.Mutex
	hasFix    bool
	lat, lon  float64
	region    string // "" means Idle
	enteredAt time.Time
}

func NewTracker(cfg Config, index *geo.Index, log logx.Logger) *Tracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		cfg:     cfg,
		index:   index,
		log:     log,
		onDwell: func(string, *float64, *float64) {},
		now:     time.Now,
	}
}

// SetOnDwell installs the threshold-reached callback. Must be set before
// samples flow.
func (t *Tracker) SetOnDwell(fn func(region string, lat, lon *float64)) {
	if fn != nil {
		t.onDwell = fn
	}
}

// PollInterval reports the configured re-evaluation cadence.
func (t *Tracker) PollInterval() time.Duration { return t.cfg.PollInterval }

// OnSample ingests one location sample and re-evaluates dwell state.
func (t *Tracker) OnSample(lat, lon float64) {
	t.mu.Lock()
	t.hasFix = true
	t.lat, t.lon = lat, lon
	fire, region, flat, flon := t.evaluateLocked(t.now())
	t.mu.Unlock()

	if fire {
		t.onDwell(region, flat, flon)
	}
}

// Poll re-evaluates the current session against the threshold without a
// fresh sample. With no fix yet it is a skip-and-log no-op, never an error.
func (t *Tracker) Poll() {
	t.mu.Lock()
	if !t.hasFix {
		t.mu.Unlock()
		t.log.Debug("dwell poll skipped: no location fix yet")
		return
	}
	fire, region, flat, flon := t.evaluateLocked(t.now())
	t.mu.Unlock()

	if fire {
		t.onDwell(region, flat, flon)
	}
}

// evaluateLocked advances the state machine. It reports whether the
// threshold event should fire, and with what coordinate.
func (t *Tracker) evaluateLocked(now time.Time) (fire bool, region string, lat, lon *float64) {
	name, inside := t.index.Locate(geo.Point{Lat: t.lat, Lon: t.lon})

	switch {
	case !inside:
		if t.region != "" {
			t.log.Info("dwell session closed: left region",
				logx.String("region", t.region),
				logx.Duration("dwelled", now.Sub(t.enteredAt)))
			t.closeLocked()
		}
		return false, "", nil, nil

	case t.region == name:
		// Same region: never reset the clock. Fire once the threshold is
		// crossed, then close the session so it cannot re-fire.
		if now.Sub(t.enteredAt) >= t.cfg.Threshold {
			r := t.region
			la, lo := t.lat, t.lon
			t.log.Info("dwell threshold reached",
				logx.String("region", r),
				logx.Duration("dwelled", now.Sub(t.enteredAt)))
			t.closeLocked()
			return true, r, &la, &lo
		}
		return false, "", nil, nil

	default:
		// Region change (or entry from Idle): old session closes, new one
		// starts with a fresh clock.
		if t.region != "" {
			t.log.Info("dwell session closed: region change",
				logx.String("from", t.region), logx.String("to", name),
				logx.Duration("dwelled", now.Sub(t.enteredAt)))
		}
		t.region = name
		t.enteredAt = now
		t.log.Debug("dwell session started", logx.String("region", name))
		return false, "", nil, nil
	}
}

func (t *Tracker) closeLocked() {
	t.region = ""
	t.enteredAt = time.Time{}
}

// Snapshot returns the current tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Dwelling:  t.region != "",
		Region:    t.region,
		EnteredAt: t.enteredAt,
		HasFix:    t.hasFix,
	}
}

// Package planner maintains the randomized multi-day survey schedule: one
// random trigger per configured daily window, over a rolling horizon,
// persisted so restarts inside the horizon never duplicate the plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dwellwatch/internal/eventlog"
	logx "dwellwatch/pkg/logx"
)

const (
	DefaultHorizonDays = 7

	ledgerTriggersKey  = "scheduled_notifications"
	ledgerTimestampKey = "schedule_timestamp"
	// scheduleLoggedKey is the one-shot flag gating the schedule-level log.
	// It is deliberately independent of the per-notification dedup keys.
	scheduleLoggedKey = "schedule_event_logged"
)

// Window is one daily delivery window, [start, end) in local time.
type Window struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

func (w Window) start(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMinute, 0, 0, day.Location())
}

func (w Window) end(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.EndHour, w.EndMinute, 0, 0, day.Location())
}

type Config struct {
	HorizonDays int
	Windows     []Window
}

// KV is the persistence surface for the ledger and the one-shot flag.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
}

// PromptCreator is the slice of the notification scheduler the planner uses.
type PromptCreator interface {
	CreateRandomPromptAt(ctx context.Context, at time.Time) (string, error)
}

// Ledger is the persisted record of one generated plan.
type Ledger struct {
	ScheduledAt time.Time   `json:"scheduled_at"`
	Triggers    []time.Time `json:"triggers"`
}

type Planner struct {
	cfg     Config
	kv      KV
	creator PromptCreator
	rec     *eventlog.Recorder
	log     logx.Logger

	now  func() time.Time
	rand *rand.Rand

	mu sync.Mutex
	// restored latches once per process: prompts live only in memory, so
	// the first Ensure against a fresh ledger re-arms its future triggers.
	restored bool
}

func New(cfg Config, kv KV, creator PromptCreator, rec *eventlog.Recorder, log logx.Logger) *Planner {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{
		cfg:     cfg,
		kv:      kv,
		creator: creator,
		rec:     rec,
		log:     log,
		now:     time.Now,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Ensure generates the schedule iff the persisted ledger is missing, empty,
// or older than the horizon. Calling it repeatedly inside the horizon is a
// no-op, so it is safe to run from a recurring job and at every startup.
// The first call of a process against a fresh ledger re-arms the ledger's
// still-future triggers, so a restart does not drop the rest of the plan.
func (p *Planner) Ensure(ctx context.Context) error {
	if len(p.cfg.Windows) == 0 {
		p.log.Debug("no schedule windows configured; skipping")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	ledger, ok := p.loadLedger(ctx)
	if ok && len(ledger.Triggers) > 0 && now.Sub(ledger.ScheduledAt) < p.horizon() {
		if !p.restored {
			p.restore(ctx, now, ledger)
			return nil
		}
		p.log.Debug("schedule ledger still fresh",
			logx.Time("scheduled_at", ledger.ScheduledAt),
			logx.Int("triggers", len(ledger.Triggers)))
		return nil
	}

	return p.generate(ctx, now)
}

// restore re-arms a fresh ledger's future triggers after a restart.
// Elapsed triggers are lost slots (no-retry policy), never re-created.
func (p *Planner) restore(ctx context.Context, now time.Time, l Ledger) {
	p.restored = true

	armed := 0
	for _, at := range l.Triggers {
		if !at.After(now) {
			continue
		}
		if _, err := p.creator.CreateRandomPromptAt(ctx, at); err != nil {
			p.log.Warn("planned prompt re-arm failed", logx.Time("at", at), logx.Err(err))
			continue
		}
		armed++
	}
	if armed > 0 {
		p.log.Info("survey schedule restored",
			logx.Int("prompts", armed),
			logx.Int("elapsed", len(l.Triggers)-armed))
	}
}

func (p *Planner) horizon() time.Duration {
	return time.Duration(p.cfg.HorizonDays) * 24 * time.Hour
}

func (p *Planner) generate(ctx context.Context, now time.Time) error {
	triggers := make([]time.Time, 0, p.cfg.HorizonDays*len(p.cfg.Windows))

	for day := 0; day < p.cfg.HorizonDays; day++ {
		date := now.AddDate(0, 0, day)
		for _, w := range p.cfg.Windows {
			// Windows already over on generation day get no trigger; a
			// late-day first launch must not burst immediate surveys.
			if !w.end(date).After(now) {
				continue
			}
			triggers = append(triggers, p.randomInWindow(w, date))
		}
	}

	// Ledger first: a crash mid-creation then re-runs Ensure against this
	// ledger instead of generating a second, overlapping plan.
	if err := p.saveLedger(ctx, Ledger{ScheduledAt: now, Triggers: triggers}); err != nil {
		return fmt.Errorf("planner: persist ledger: %w", err)
	}
	p.restored = true

	created := 0
	for _, at := range triggers {
		if _, err := p.creator.CreateRandomPromptAt(ctx, at); err != nil {
			// Already logged by the scheduler as a creation failure; the
			// slot is simply lost, matching the no-retry policy.
			p.log.Warn("planned prompt create failed", logx.Time("at", at), logx.Err(err))
			continue
		}
		created++
	}

	p.logScheduleCreated(ctx, created)
	p.log.Info("survey schedule generated",
		logx.Int("days", p.cfg.HorizonDays),
		logx.Int("windows_per_day", len(p.cfg.Windows)),
		logx.Int("prompts", created))
	return nil
}

// randomInWindow picks a timestamp uniformly at random in [start, end) of
// the window on the given day. Degenerate windows collapse to their start.
func (p *Planner) randomInWindow(w Window, day time.Time) time.Time {
	start := w.start(day)
	end := w.end(day)
	span := end.Sub(start)
	if span <= 0 {
		return start
	}
	return start.Add(time.Duration(p.rand.Int63n(int64(span))))
}

// logScheduleCreated records the schedule-level event, gated by a one-shot
// flag so a regenerated plan after the horizon logs again but restarts
// inside it do not.
func (p *Planner) logScheduleCreated(ctx context.Context, created int) {
	if p.kv != nil {
		if v, ok, err := p.kv.GetValue(ctx, scheduleLoggedKey); err == nil && ok && v == "1" {
			// Flag resets with every generation below, so "1" means the event
			// for this horizon was already recorded.
			return
		}
	}
	p.rec.RecordOnce(ctx, "random_notification", "survey_schedule_created",
		fmt.Sprintf("horizon_%d", p.now().Unix()), eventlog.Metadata{
			Body:             fmt.Sprintf("%d prompts over %d days", created, p.cfg.HorizonDays),
			NotificationType: "RANDOM_SURVEY",
		})
	if p.kv != nil {
		if err := p.kv.SetValue(ctx, scheduleLoggedKey, "1"); err != nil {
			p.log.Warn("persist schedule log flag failed", logx.Err(err))
		}
	}
}

func (p *Planner) loadLedger(ctx context.Context) (Ledger, bool) {
	if p.kv == nil {
		return Ledger{}, false
	}
	tsRaw, ok, err := p.kv.GetValue(ctx, ledgerTimestampKey)
	if err != nil || !ok {
		return Ledger{}, false
	}
	ts, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		p.log.Warn("schedule timestamp unreadable; regenerating", logx.Err(err))
		return Ledger{}, false
	}

	var triggers []time.Time
	if raw, tok, terr := p.kv.GetValue(ctx, ledgerTriggersKey); terr == nil && tok {
		var iso []string
		if err := json.Unmarshal([]byte(raw), &iso); err != nil {
			p.log.Warn("schedule ledger unreadable; regenerating", logx.Err(err))
			return Ledger{}, false
		}
		for _, s := range iso {
			if t, perr := time.Parse(time.RFC3339, s); perr == nil {
				triggers = append(triggers, t)
			}
		}
	}
	return Ledger{ScheduledAt: ts, Triggers: triggers}, true
}

func (p *Planner) saveLedger(ctx context.Context, l Ledger) error {
	if p.kv == nil {
		return nil
	}
	iso := make([]string, 0, len(l.Triggers))
	for _, t := range l.Triggers {
		iso = append(iso, t.Format(time.RFC3339))
	}
	b, err := json.Marshal(iso)
	if err != nil {
		return err
	}
	if err := p.kv.SetValue(ctx, ledgerTriggersKey, string(b)); err != nil {
		return err
	}
	if err := p.kv.SetValue(ctx, ledgerTimestampKey, l.ScheduledAt.Format(time.RFC3339)); err != nil {
		return err
	}
	// Re-arm the schedule-level log for this fresh horizon.
	return p.kv.SetValue(ctx, scheduleLoggedKey, "0")
}

// Snapshot returns the persisted ledger for the status endpoint.
func (p *Planner) Snapshot(ctx context.Context) Ledger {
	l, _ := p.loadLedger(ctx)
	return l
}

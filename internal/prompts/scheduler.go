// Package prompts owns the survey prompt lifecycle: creation, delivery and
// interaction callbacks, the hard expiry at the prompt lifetime, and the
// one-shot reminder escalation for unacted-upon random surveys.
package prompts

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"dwellwatch/internal/delivery"
	"dwellwatch/internal/eventlog"
	logx "dwellwatch/pkg/logx"
)

// DefaultExpiry is the hard prompt lifetime.
const DefaultExpiry = 900 * time.Second

type Config struct {
	// Expiry is the prompt lifetime, anchored at the trigger time.
	Expiry time.Duration

	LocationTitle string
	LocationURL   string
	RandomTitle   string
	RandomURL     string
}

// KV persists per-notification creation timestamps for post-hoc analysis.
type KV interface {
	SetValue(ctx context.Context, key, value string) error
}

// Scheduler owns the set of live prompt identifiers. No other component
// mutates it; adapters re-enter through OnDelivered/OnInteracted.
type Scheduler struct {
	cfg      Config
	delivery delivery.Delivery
	rec      *eventlog.Recorder
	kv       KV
	log      logx.Logger

	// openURL is the external open-URL side effect (survey link).
	openURL func(url string)

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	live   map[string]*notification
	timers map[string]*time.Timer
}

func NewScheduler(cfg Config, d delivery.Delivery, rec *eventlog.Recorder, kv KV, log logx.Logger) *Scheduler {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.LocationTitle == "" {
		cfg.LocationTitle = "Your next Survey is ready (L)"
	}
	if cfg.RandomTitle == "" {
		cfg.RandomTitle = "Your next Survey is ready (R)"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg,
		delivery: d,
		rec:      rec,
		kv:       kv,
		log:      log,
		openURL:  func(string) {},
		now:      time.Now,
		newID:    uuid.NewString,
		live:     map[string]*notification{},
		timers:   map[string]*time.Timer{},
	}
}

// SetOpenURL installs the open-URL side effect triggered on opened prompts.
func (s *Scheduler) SetOpenURL(fn func(url string)) {
	if fn != nil {
		s.openURL = fn
	}
}

// CreateLocationPrompt creates an immediate location-survey prompt for a
// completed dwell. lat/lon carry the triggering coordinate when available.
func (s *Scheduler) CreateLocationPrompt(ctx context.Context, region string, lat, lon *float64) (string, error) {
	p := Payload{Title: s.cfg.LocationTitle, Body: "Tell us about your time in " + region + ".", URL: s.cfg.LocationURL}
	return s.create(ctx, LocationSurvey, LocationSurvey.category(), p, region, lat, lon, s.now())
}

// CreateRandomPromptAt creates a random-survey prompt for a planned trigger
// time (used by the schedule planner).
func (s *Scheduler) CreateRandomPromptAt(ctx context.Context, at time.Time) (string, error) {
	p := Payload{Title: s.cfg.RandomTitle, Body: "A short survey is waiting for you.", URL: s.cfg.RandomURL}
	return s.create(ctx, RandomSurvey, RandomSurvey.category(), p, "", nil, nil, at)
}

func (s *Scheduler) create(ctx context.Context, kind Kind, category string, payload Payload, region string, lat, lon *float64, triggerAt time.Time) (string, error) {
	id := s.newID()
	now := s.now()
	if triggerAt.Before(now) {
		triggerAt = now
	}
	n := &notification{
		id:        id,
		kind:      kind,
		category:  category,
		payload:   payload,
		region:    region,
		lat:       lat,
		lon:       lon,
		createdAt: now,
		triggerAt: triggerAt,
		expiresAt: triggerAt.Add(s.cfg.Expiry),
	}

	// Register before handing off to delivery: an immediate trigger can
	// report OnDelivered from inside Create, and that callback must find
	// the prompt or its delivered event is lost.
	s.mu.Lock()
	s.live[id] = n
	s.timers[id] = time.AfterFunc(s.expiresAt(n), func() { s.expire(id) })
	s.mu.Unlock()

	err := s.delivery.Create(ctx, delivery.Prompt{
		ID:        id,
		Title:     payload.Title,
		Body:      payload.Body,
		URL:       payload.URL,
		TriggerAt: triggerAt,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.live, id)
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()

		// Logged, not retried: the next natural trigger creates a fresh prompt.
		s.rec.RecordOnce(ctx, category, category+"_failed", id, eventlog.Metadata{
			Title:            payload.Title,
			Region:           region,
			Error:            err.Error(),
			NotificationType: kind.String(),
		})
		return "", err
	}

	s.rec.RecordOnce(ctx, category, "notification_scheduled", id, eventlog.Metadata{
		Title:            payload.Title,
		Body:             payload.Body,
		Region:           region,
		URL:              payload.URL,
		NotificationType: kind.String(),
		Latitude:         lat,
		Longitude:        lon,
	})
	if s.kv != nil {
		key := "notification_timestamp_" + id
		if err := s.kv.SetValue(ctx, key, unixSeconds(now)); err != nil {
			s.log.Warn("persist notification timestamp failed", logx.String("id", id), logx.Err(err))
		}
	}

	s.log.Info("prompt scheduled",
		logx.String("id", id),
		logx.String("kind", kind.String()),
		logx.Time("trigger_at", triggerAt))
	return id, nil
}

func (s *Scheduler) expiresAt(n *notification) time.Duration {
	d := n.expiresAt.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d
}

// expire runs at triggerAt+expiry. If the prompt is gone (interacted with),
// this is a no-op: invalidation is an identity check, not a token.
func (s *Scheduler) expire(id string) {
	ctx := context.Background()

	s.mu.Lock()
	n, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, id)
	delete(s.timers, id)
	s.mu.Unlock()

	// Ignored check before removal: was it shown and never acted upon?
	ignored := false
	for _, d := range s.delivery.Delivered() {
		if d == id {
			ignored = true
			break
		}
	}
	s.delivery.Cancel(id)

	s.rec.RecordOnce(ctx, n.category, "notification_expired", id, eventlog.Metadata{
		Title:            n.payload.Title,
		Region:           n.region,
		NotificationType: n.kind.String(),
	})
	if ignored {
		s.rec.RecordOnce(ctx, n.category, "notification_ignored", id, eventlog.Metadata{
			Action:           "No Interaction",
			NotificationType: n.kind.String(),
		})
	}
	s.log.Info("prompt expired", logx.String("id", id), logx.Bool("ignored", ignored))

	// Escalate once for random surveys; the reminder is itself expirable but
	// never escalates further, which terminates the chain.
	if n.kind == RandomSurvey {
		p := n.payload
		p.Title = "Reminder: " + p.Title
		if _, err := s.create(ctx, Reminder, n.category, p, n.region, nil, nil, s.now()); err != nil {
			s.log.Warn("reminder create failed", logx.String("for", id), logx.Err(err))
		}
	}
}

// OnDelivered records the delivery callback from the delivery collaborator.
func (s *Scheduler) OnDelivered(id string) {
	s.mu.Lock()
	n, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("delivery callback for unknown prompt", logx.String("id", id))
		return
	}
	s.rec.RecordOnce(context.Background(), n.category, "notification_delivered", id, eventlog.Metadata{
		Title:            n.payload.Title,
		Body:             n.payload.Body,
		NotificationType: n.kind.String(),
	})
}

// OnInteracted records a user interaction and removes the prompt.
// Opening triggers the external open-URL side effect.
func (s *Scheduler) OnInteracted(id, action string) {
	s.mu.Lock()
	n, ok := s.live[id]
	if ok {
		delete(s.live, id)
		if t, tok := s.timers[id]; tok {
			t.Stop()
			delete(s.timers, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("interaction for unknown prompt", logx.String("id", id), logx.String("action", action))
		return
	}

	s.delivery.Cancel(id)

	event, described := mapAction(action)
	s.rec.RecordOnce(context.Background(), n.category, event, id, eventlog.Metadata{
		Title:            n.payload.Title,
		Body:             n.payload.Body,
		URL:              n.payload.URL,
		Action:           described,
		NotificationType: n.kind.String(),
	})

	if event == "notification_opened" && n.payload.URL != "" {
		s.openURL(n.payload.URL)
	}
}

func mapAction(action string) (event, described string) {
	switch action {
	case delivery.ActionOpen:
		return "notification_opened", "Opened"
	case delivery.ActionDismiss:
		return "notification_dismissed", "Dismissed"
	default:
		return "notification_unknown_interaction", action
	}
}

// Snapshot lists the live prompts.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.live))
	for _, n := range s.live {
		out = append(out, Info{
			ID:        n.id,
			Kind:      n.kind.String(),
			CreatedAt: n.createdAt,
			TriggerAt: n.triggerAt,
			ExpiresAt: n.expiresAt,
		})
	}
	return out
}

// Stop cancels all expiry timers. Live prompts are abandoned; a restarted
// process starts with an empty live set (the planner re-arms the persisted
// schedule, dwell prompts arise from new sessions).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func unixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Package telegram delivers survey prompts to the participant's Telegram
// chat. A prompt becomes a message with Take Survey / Dismiss buttons; the
// message set stands in for the platform's delivered-notification list, and
// button presses flow back to the scheduler as interaction callbacks.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"dwellwatch/internal/delivery"
	logx "dwellwatch/pkg/logx"
)

const (
	btnOpenUnique    = "survey_open"
	btnDismissUnique = "survey_dismiss"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	mu       sync.Mutex
	sink     delivery.Sink
	timers   map[string]*time.Timer   // pending (pre-trigger)
	messages map[string]*tele.Message // delivered, not yet removed
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		timers:   map[string]*time.Timer{},
		messages: map[string]*tele.Message{},
	}, nil
}

// SetSink wires the interaction receiver. Must be called before Start.
func (a *Adapter) SetSink(s delivery.Sink) {
	a.mu.Lock()
	a.sink = s
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(&tele.Btn{Unique: btnOpenUnique}, func(c tele.Context) error {
		return a.handleButton(c, delivery.ActionOpen)
	})
	a.bot.Handle(&tele.Btn{Unique: btnDismissUnique}, func(c tele.Context) error {
		return a.handleButton(c, delivery.ActionDismiss)
	})

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("telegram polling started", logx.Int64("chat_id", a.cfg.ChatID))
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	a.mu.Lock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) handleButton(c tele.Context, action string) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	id := strings.TrimSpace(cb.Data)
	_ = c.Respond(&tele.CallbackResponse{})

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()

	a.log.Debug("prompt interaction", logx.String("id", id), logx.String("action", action))
	if sink != nil && id != "" {
		sink.OnInteracted(id, action)
	}
	return nil
}

// Create arms delivery of the prompt at its trigger time.
func (a *Adapter) Create(ctx context.Context, p delivery.Prompt) error {
	delay := time.Until(p.TriggerAt)
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	a.timers[p.ID] = time.AfterFunc(delay, func() { a.send(p) })
	a.mu.Unlock()
	return nil
}

func (a *Adapter) send(p delivery.Prompt) {
	a.mu.Lock()
	if _, ok := a.timers[p.ID]; !ok {
		// canceled before trigger
		a.mu.Unlock()
		return
	}
	delete(a.timers, p.ID)
	sink := a.sink
	a.mu.Unlock()

	markup := &tele.ReplyMarkup{}
	open := markup.Data("Take Survey", btnOpenUnique, p.ID)
	dismiss := markup.Data("Dismiss", btnDismissUnique, p.ID)
	markup.Inline(markup.Row(open, dismiss))

	text := p.Title
	if strings.TrimSpace(p.Body) != "" {
		text += "\n" + p.Body
	}

	msg, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), text, markup)
	if err != nil {
		// Never delivered; the prompt will run out its expiry on the scheduler side.
		a.log.Warn("prompt send failed", logx.String("id", p.ID), logx.Err(err))
		return
	}

	a.mu.Lock()
	a.messages[p.ID] = msg
	a.mu.Unlock()

	if sink != nil {
		sink.OnDelivered(p.ID)
	}
}

// Cancel removes identifiers from the pending and delivered sets, deleting
// any already-posted message.
func (a *Adapter) Cancel(ids ...string) {
	for _, id := range ids {
		a.mu.Lock()
		if t, ok := a.timers[id]; ok {
			t.Stop()
			delete(a.timers, id)
		}
		msg := a.messages[id]
		delete(a.messages, id)
		a.mu.Unlock()

		if msg != nil {
			if err := a.bot.Delete(msg); err != nil {
				a.log.Debug("prompt message delete failed", logx.String("id", id), logx.Err(err))
			}
		}
	}
}

// Delivered lists prompts whose message is still visible in the chat.
func (a *Adapter) Delivered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.messages))
	for id := range a.messages {
		out = append(out, id)
	}
	return out
}

// OpenURL posts the survey link to the chat; used as the scheduler's
// open-URL side effect so "opening" actually hands the participant the form.
func (a *Adapter) OpenURL(url string) {
	if strings.TrimSpace(url) == "" {
		return
	}
	if _, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), url); err != nil {
		a.log.Warn("survey link send failed", logx.Err(err))
	}
}

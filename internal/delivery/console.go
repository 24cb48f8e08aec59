package delivery

import (
	"context"
	"sync"
	"time"

	logx "dwellwatch/pkg/logx"
)

// Console is the fallback delivery driver used when no real channel is
// configured. It "shows" prompts by logging them and reports delivery at
// the trigger time, so the full lifecycle (delivered, ignored, expired)
// still runs in development setups.
type Console struct {
	log logx.Logger

	mu        sync.Mutex
	sink      Sink
	timers    map[string]*time.Timer
	delivered map[string]Prompt
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{
		log:       log,
		timers:    map[string]*time.Timer{},
		delivered: map[string]Prompt{},
	}
}

// SetSink wires the callback receiver. Must be called before Create.
func (c *Console) SetSink(s Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *Console) Create(ctx context.Context, p Prompt) error {
	delay := time.Until(p.TriggerAt)
	if delay < 0 {
		delay = 0
	}
	c.mu.Lock()
	c.timers[p.ID] = time.AfterFunc(delay, func() { c.deliver(p) })
	c.mu.Unlock()
	return nil
}

func (c *Console) deliver(p Prompt) {
	c.mu.Lock()
	if _, ok := c.timers[p.ID]; !ok {
		// canceled before trigger
		c.mu.Unlock()
		return
	}
	delete(c.timers, p.ID)
	c.delivered[p.ID] = p
	sink := c.sink
	c.mu.Unlock()

	c.log.Info("prompt delivered (console)",
		logx.String("id", p.ID), logx.String("title", p.Title), logx.String("url", p.URL))
	if sink != nil {
		sink.OnDelivered(p.ID)
	}
}

func (c *Console) Cancel(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
		delete(c.delivered, id)
	}
}

func (c *Console) Delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.delivered))
	for id := range c.delivered {
		out = append(out, id)
	}
	return out
}

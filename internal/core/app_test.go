package core

import (
	"context"
	"path/filepath"
	"testing"

	"dwellwatch/internal/config"
	"dwellwatch/internal/storage"
	logx "dwellwatch/pkg/logx"
)

func TestBuildWindows(t *testing.T) {
	t.Parallel()
	ws, err := buildWindows([]config.WindowConfig{
		{Start: "09:00", End: "12:00"},
		{Start: "14:30", End: "18:00"},
	})
	if err != nil {
		t.Fatalf("buildWindows error: %v", err)
	}
	if len(ws) != 2 {
		t.Fatalf("windows = %d, want 2", len(ws))
	}
	if ws[1].StartHour != 14 || ws[1].StartMinute != 30 || ws[1].EndHour != 18 {
		t.Fatalf("second window = %+v", ws[1])
	}

	tests := []struct {
		name string
		w    config.WindowConfig
	}{
		{name: "end before start", w: config.WindowConfig{Start: "12:00", End: "09:00"}},
		{name: "zero length", w: config.WindowConfig{Start: "09:00", End: "09:00"}},
		{name: "bad start", w: config.WindowConfig{Start: "morning", End: "12:00"}},
		{name: "bad end", w: config.WindowConfig{Start: "09:00", End: "25:00"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildWindows([]config.WindowConfig{tt.w}); err == nil {
				t.Fatalf("buildWindows(%+v) should fail", tt.w)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	good := &config.Config{}
	good.Dwell.Threshold = "3m"
	good.Schedule.Windows = []config.WindowConfig{{Start: "09:00", End: "12:00"}}
	if err := validateConfig(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "bad threshold", mutate: func(c *config.Config) { c.Dwell.Threshold = "soon" }},
		{name: "negative horizon", mutate: func(c *config.Config) { c.Schedule.HorizonDays = -1 }},
		{name: "telegram without token", mutate: func(c *config.Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = 1 }},
		{name: "telegram without chat", mutate: func(c *config.Config) { c.Telegram.Enabled = true; c.Telegram.Token = "t" }},
		{name: "inverted window", mutate: func(c *config.Config) {
			c.Schedule.Windows = []config.WindowConfig{{Start: "18:00", End: "09:00"}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Schedule.Windows = []config.WindowConfig{{Start: "09:00", End: "12:00"}}
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureDeviceID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	id, err := ensureDeviceID(ctx, st)
	if err != nil || id == "" {
		t.Fatalf("ensureDeviceID = %q, %v", id, err)
	}

	again, err := ensureDeviceID(ctx, st)
	if err != nil || again != id {
		t.Fatalf("device id not stable: %q then %q (%v)", id, again, err)
	}
}

func TestEnsureDeviceIDWithoutStore(t *testing.T) {
	t.Parallel()
	id, err := ensureDeviceID(context.Background(), nil)
	if err != nil || id == "" {
		t.Fatalf("ensureDeviceID without store = %q, %v", id, err)
	}
}

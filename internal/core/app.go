package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dwellwatch/internal/adapters/telegram"
	"dwellwatch/internal/config"
	"dwellwatch/internal/delivery"
	"dwellwatch/internal/dwell"
	"dwellwatch/internal/eventlog"
	"dwellwatch/internal/geo"
	"dwellwatch/internal/httpapi"
	"dwellwatch/internal/planner"
	"dwellwatch/internal/prompts"
	"dwellwatch/internal/storage"
	"dwellwatch/internal/studysync"
	logx "dwellwatch/pkg/logx"
)

// deviceIDKey is the KV slot holding the stable per-install identifier
// stamped into every synced event.
const deviceIDKey = "device_id"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	sync     *studysync.Client
	recorder *eventlog.Recorder

	tg      *telegram.Adapter
	console *delivery.Console

	sched   *prompts.Scheduler
	index   *geo.Index
	tracker *dwell.Tracker
	plan    *planner.Planner
	api     *httpapi.Server

	jobs *cron.Cron
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// Logging service mapping
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Storage mapping
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	// Study-server sync collaborator
	flushTimeout, err := config.ParseDurationOrDefault("study.flush_timeout", cfg.Study.FlushTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	syncc := studysync.New(studysync.Config{
		URL:          cfg.Study.URL,
		FlushTimeout: flushTimeout,
		BatchSize:    cfg.Study.BatchSize,
	}, store, log.With(logx.String("comp", "sync")))

	deviceID, err := ensureDeviceID(context.Background(), store)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}

	recorder := eventlog.New(store, syncc, deviceID, log.With(logx.String("comp", "eventlog")))

	// Delivery channel: Telegram when configured, console fallback otherwise.
	var (
		deliv   delivery.Delivery
		tg      *telegram.Adapter
		console *delivery.Console
	)
	if cfg.Telegram.Enabled {
		pollTimeout, perr := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if perr != nil {
			return nil, perr
		}
		tg, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		deliv = tg
	} else {
		console = delivery.NewConsole(log.With(logx.String("comp", "delivery")))
		deliv = console
	}

	// Prompt lifecycle
	expiry, err := config.ParseDurationOrDefault("prompts.expiry", cfg.Prompts.Expiry, prompts.DefaultExpiry)
	if err != nil {
		return nil, err
	}
	sched := prompts.NewScheduler(prompts.Config{
		Expiry:        expiry,
		LocationTitle: cfg.Prompts.LocationTitle,
		LocationURL:   cfg.Prompts.LocationURL,
		RandomTitle:   cfg.Prompts.RandomTitle,
		RandomURL:     cfg.Prompts.RandomURL,
	}, deliv, recorder, store, log.With(logx.String("comp", "prompts")))

	if tg != nil {
		tg.SetSink(sched)
		sched.SetOpenURL(tg.OpenURL)
	} else {
		console.SetSink(sched)
	}

	// Region index + dwell tracker
	index := geo.Load(nil)
	if cfg.Regions.Path != "" {
		index, err = geo.LoadFile(cfg.Regions.Path, cfg.Regions.NameProperty, log.With(logx.String("comp", "regions")))
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("no regions file configured; dwell detection is inert")
	}

	threshold, err := config.ParseDurationOrDefault("dwell.threshold", cfg.Dwell.Threshold, dwell.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	pollInterval, err := config.ParseDurationOrDefault("dwell.poll_interval", cfg.Dwell.PollInterval, dwell.DefaultPollInterval)
	if err != nil {
		return nil, err
	}
	tracker := dwell.NewTracker(dwell.Config{
		Threshold:    threshold,
		PollInterval: pollInterval,
	}, index, log.With(logx.String("comp", "dwell")))
	tracker.SetOnDwell(func(region string, lat, lon *float64) {
		if _, cerr := sched.CreateLocationPrompt(context.Background(), region, lat, lon); cerr != nil {
			log.Warn("location prompt create failed", logx.String("region", region), logx.Err(cerr))
		}
	})

	// Randomized schedule planner
	windows, err := buildWindows(cfg.Schedule.Windows)
	if err != nil {
		return nil, err
	}
	plan := planner.New(planner.Config{
		HorizonDays: cfg.Schedule.HorizonDays,
		Windows:     windows,
	}, store, sched, recorder, log.With(logx.String("comp", "planner")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		sync:     syncc,
		recorder: recorder,
		tg:       tg,
		console:  console,
		sched:    sched,
		index:    index,
		tracker:  tracker,
		plan:     plan,
	}

	if cfg.HTTP.Enabled {
		a.api = httpapi.New(httpapi.Config{Listen: cfg.HTTP.Listen},
			tracker, sched, a.status, log.With(logx.String("comp", "http")))
	}

	return a, nil
}

// status backs GET /v1/status.
func (a *App) status(ctx context.Context) any {
	return map[string]any{
		"regions":  a.index.Count(),
		"dwell":    a.tracker.Snapshot(),
		"prompts":  a.sched.Snapshot(),
		"schedule": a.plan.Snapshot(ctx),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.api != nil {
		a.sup.Go("http.serve", a.api.Start)
	}

	// Generate (or confirm) the randomized plan at startup, off the start path:
	// sqlite and prompt creation shouldn't delay readiness.
	a.sup.Go0("planner.bootstrap", func(c context.Context) {
		if err := a.plan.Ensure(c); err != nil {
			a.log.Warn("schedule bootstrap failed", logx.Err(err))
		}
	})

	// Recurring jobs: dwell re-evaluation, plan top-up after the horizon,
	// dedup cache purge, and event sync flush.
	jobs := cron.New()
	runCtx := a.sup.Context()
	if _, err := jobs.AddFunc(fmt.Sprintf("@every %s", a.tracker.PollInterval()), a.tracker.Poll); err != nil {
		return fmt.Errorf("schedule dwell poll: %w", err)
	}
	if _, err := jobs.AddFunc("@hourly", func() {
		if err := a.plan.Ensure(runCtx); err != nil {
			a.log.Warn("schedule refresh failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule plan refresh: %w", err)
	}
	if _, err := jobs.AddFunc("@every 5m", a.recorder.Purge); err != nil {
		return fmt.Errorf("schedule dedup purge: %w", err)
	}
	if _, err := jobs.AddFunc("@every 3m", func() { a.sync.Flush(runCtx) }); err != nil {
		return fmt.Errorf("schedule sync flush: %w", err)
	}
	jobs.Start()
	a.jobs = jobs

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				// Only logging applies live; the engine topology (storage,
				// delivery channel, regions) is fixed at startup.
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded (logging applied; other sections need restart)")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	if a.jobs != nil {
		stopped := a.jobs.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}

	a.sched.Stop()
	if a.tg != nil {
		if err := a.tg.Stop(ctx); err != nil {
			a.log.Warn("telegram stop error", logx.Err(err))
		}
	}

	if err := a.sup.Wait(ctx); err != nil && err != context.Canceled {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	// One last flush so a clean shutdown leaves nothing queued.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.sync.Flush(flushCtx)
	cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close error", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// ensureDeviceID loads the per-install identifier, minting one on first run.
// Without storage the id is ephemeral, which only affects event attribution.
func ensureDeviceID(ctx context.Context, store storage.Store) (string, error) {
	if store == nil {
		return uuid.NewString(), nil
	}
	if v, ok, err := store.GetValue(ctx, deviceIDKey); err != nil {
		return "", err
	} else if ok && v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := store.SetValue(ctx, deviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

func buildWindows(ws []config.WindowConfig) ([]planner.Window, error) {
	out := make([]planner.Window, 0, len(ws))
	for i, w := range ws {
		path := fmt.Sprintf("schedule.windows[%d]", i)
		sh, sm, err := config.ParseHHMM(path+".start", w.Start)
		if err != nil {
			return nil, err
		}
		eh, em, err := config.ParseHHMM(path+".end", w.End)
		if err != nil {
			return nil, err
		}
		if eh*60+em <= sh*60+sm {
			return nil, fmt.Errorf("%s: end must be after start", path)
		}
		out = append(out, planner.Window{
			StartHour: sh, StartMinute: sm,
			EndHour: eh, EndMinute: em,
		})
	}
	return out, nil
}

// validateConfig checks the cross-field rules a strict decode can't express.
// It also backs the hot-reload validator so a bad edit never commits.
func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("study.flush_timeout", cfg.Study.FlushTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dwell.threshold", cfg.Dwell.Threshold); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dwell.poll_interval", cfg.Dwell.PollInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("prompts.expiry", cfg.Prompts.Expiry); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Schedule.HorizonDays < 0 {
		return fmt.Errorf("schedule.horizon_days must be >= 0")
	}
	if cfg.Study.BatchSize < 0 {
		return fmt.Errorf("study.batch_size must be >= 0")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram.enabled")
	}
	if _, err := buildWindows(cfg.Schedule.Windows); err != nil {
		return err
	}
	return nil
}

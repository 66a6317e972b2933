// Package app wires queuepush components and owns their lifecycle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"queuepush/internal/broadcast"
	"queuepush/internal/config"
	"queuepush/internal/eventbus"
	"queuepush/internal/frontend"
	"queuepush/internal/ops"
	"queuepush/internal/queue"
	"queuepush/internal/runtime/supervisor"
	"queuepush/internal/schedule"
	"queuepush/internal/settings"
	"queuepush/internal/stats"
	"queuepush/internal/stream"
	"queuepush/internal/transport"
	"queuepush/internal/transport/telegram"
	"queuepush/internal/trigger"
	"queuepush/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	// jobs runs decision broadcasts; it outlives sup so Stop can drain them.
	jobs *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store   *settings.Store
	tracker *queue.Tracker
	engine  *broadcast.Engine
	stream  *stream.Client
	stats   *stats.Client
	trigger *trigger.Trigger
	adapter *telegram.Adapter
	front   *frontend.Frontend
	ops     *ops.Server
	digest  *schedule.Digest

	updates chan transport.Update
}

// New loads config and builds every component. Missing token or an
// unreachable storage backend is fatal.
func New(ctx context.Context, cfgPath string, env config.Env) (*App, error) {
	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.RequireToken(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bus := eventbus.New()

	store, err := settings.Open(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	appLog.Info("settings store ready", logx.String("driver", cfg.Storage.Driver))

	// Past this point a failure must release the store.
	a, err := build(cfg, log, store, bus, reg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, store *settings.Store, bus eventbus.Bus, reg *prometheus.Registry) (*App, error) {
	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	tcfg, err := mapTrackerConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := queue.NewTracker(tcfg, log, queue.NewMetrics(reg))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := broadcast.New(bcfg, store, ad, bus, log, broadcast.NewMetrics(reg))

	scfg, err := mapStatsConfig(cfg)
	if err != nil {
		return nil, err
	}
	st := stats.New(scfg, log)
	trg := trigger.New(st, tracker, engine, log)

	a := &App{
		log:     log,
		bus:     bus,
		reg:     reg,
		store:   store,
		tracker: tracker,
		engine:  engine,
		stats:   st,
		trigger: trg,
		adapter: ad,
		front:   frontend.New(mapFrontendConfig(cfg), ad, store, trg, log),
		ops:     ops.New(mapOpsConfig(cfg), reg, log),
		digest:  schedule.NewDigest(mapScheduleConfig(cfg), trg, log),
		updates: make(chan transport.Update, 256),
	}

	strCfg, err := mapStreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.stream = stream.New(strCfg, a.onQueueState, bus, log, stream.NewMetrics(reg))

	a.ops.AddCheck("storage", store.Ping)
	a.ops.AddCheck("stream", func(context.Context) error {
		if s := a.stream.State(); s != stream.StateConnected {
			return fmt.Errorf("stream %s", s)
		}
		return nil
	})
	a.ops.SetStatus(a.status)
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.jobs = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))
	c := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.sup.Go("frontend", func(c context.Context) error { return a.front.Run(c, a.updates) })
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.front.Commands()); err != nil {
			a.log.Warn("bot menu update failed", logx.Err(err))
		}
	})

	a.stream.Start(a.sup)

	if err := a.digest.Start(c); err != nil {
		return fmt.Errorf("digest schedule: %w", err)
	}
	a.ops.Start(c)

	a.logEvents()
	a.watchConfig()

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// onQueueState runs on the stream goroutine; broadcasts are handed to jobs
// so a slow fan-out never stalls the read loop.
func (a *App) onQueueState(_ context.Context, raw json.RawMessage) {
	d, ok, err := a.tracker.ObserveEvent(raw)
	if err != nil {
		a.log.Warn("queue state rejected", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueDecision, Data: d})

	capacity := 0
	if a.cfgm != nil {
		capacity = a.cfgm.Get().Queue.Capacity
	}
	text := trigger.ThresholdText(d, capacity)
	a.jobs.Go("broadcast."+string(d.Category), func(c context.Context) error {
		if _, err := a.engine.Broadcast(c, d.Category, text); err != nil && !errors.Is(err, broadcast.ErrClosed) {
			a.log.Warn("threshold broadcast failed", logx.Int("mode", d.Mode), logx.Int("count", d.Count), logx.Err(err))
		}
		return nil
	})
}

type modeStatus struct {
	Mode     int    `json:"mode"`
	Count    int    `json:"count"`
	Category string `json:"category"`
}

type statusDoc struct {
	Stream     string              `json:"stream"`
	Queue      []modeStatus        `json:"queue"`
	NextDigest *time.Time          `json:"next_digest,omitempty"`
	Supervisor supervisor.Counters `json:"supervisor"`
}

func (a *App) status() any {
	doc := statusDoc{Stream: string(a.stream.State())}
	for _, c := range a.tracker.Counts() {
		doc.Queue = append(doc.Queue, modeStatus{Mode: c.ID, Count: c.Count, Category: string(c.Category)})
	}
	if next := a.digest.Next(); !next.IsZero() {
		doc.NextDigest = &next
	}
	doc.Supervisor = a.sup.Counters()
	return doc
}

func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

// applyConfig pushes hot-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(changed); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", rr))
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		a.log.Warn("telegram token or poll timeout changed; restart required")
	}

	a.logs.Apply(mapLogConfig(next))
	a.front.Apply(mapFrontendConfig(next))
	if tc, err := mapTrackerConfig(next); err == nil {
		a.tracker.Apply(tc)
	}
	if bc, err := mapBroadcastConfig(next); err == nil {
		a.engine.Apply(bc)
	}
	if err := a.digest.Apply(mapScheduleConfig(next)); err != nil {
		a.log.Warn("digest schedule not applied", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("stream", time.Second, func(context.Context) error { a.stream.Close(); return nil })
	step("schedule", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("broadcast", 10*time.Second, a.engine.Close)
	step("jobs", time.Second, a.jobs.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Package schedule fires the "come play" digest on a cron spec.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"queuepush/internal/broadcast"
	"queuepush/pkg/logx"
)

// Runner is satisfied by *trigger.Trigger.
type Runner interface {
	Run(ctx context.Context, invoker string) (broadcast.Outcome, error)
}

type Config struct {
	// Spec accepts 5 or 6 fields (seconds optional) and descriptors like "@daily".
	// Empty disables the schedule.
	Spec     string
	Timezone string
	// Timeout bounds the stats fetch of one run; the fan-out runs to completion. Default 2m.
	Timeout time.Duration
}

// Invoker is passed to Runner.Run for scheduled runs.
const Invoker = "scheduler"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates spec and returns its schedule.
func ParseSpec(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return s, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

type Digest struct {
	mu  sync.Mutex
	cfg Config
	run Runner
	log logx.Logger

	ctx context.Context
	c   *cron.Cron
}

func NewDigest(cfg Config, run Runner, log logx.Logger) *Digest {
	return &Digest{cfg: cfg, run: run, log: log.With(logx.String("comp", "schedule"))}
}

// Start registers the digest job. A no-op when Spec is empty.
func (d *Digest) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	return d.startLocked()
}

func (d *Digest) startLocked() error {
	if d.c != nil || strings.TrimSpace(d.cfg.Spec) == "" {
		return nil
	}
	loc, err := loadLocation(d.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", d.cfg.Timezone, err)
	}
	sched, err := ParseSpec(d.cfg.Spec)
	if err != nil {
		return err
	}

	cl := cronLogger{log: d.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, timeout := d.ctx, d.cfg.Timeout
	c.Schedule(sched, cron.FuncJob(func() { d.fire(ctx, timeout) }))
	c.Start()
	d.c = c
	d.log.Info("digest scheduled", logx.String("spec", d.cfg.Spec), logx.String("tz", loc.String()), logx.Time("next", sched.Next(time.Now().In(loc))))
	return nil
}

// fire must not take d.mu: Stop holds it while waiting for running jobs.
func (d *Digest) fire(ctx context.Context, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.run.Run(rctx, Invoker)
	if err != nil {
		d.log.Warn("scheduled digest failed", logx.Err(err))
		return
	}
	d.log.Info("scheduled digest sent", logx.Int("sent", out.Sent), logx.Int("failed", out.Failed))
}

// Apply swaps the config, rescheduling when the spec or timezone changed.
func (d *Digest) Apply(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.cfg
	d.cfg = cfg
	if d.ctx == nil {
		return nil
	}
	if prev == cfg && d.c != nil {
		return nil
	}
	d.stopLocked(context.Background())
	return d.startLocked()
}

// Stop waits for a running digest or until ctx ends.
func (d *Digest) Stop(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(ctx)
}

func (d *Digest) stopLocked(ctx context.Context) {
	if d.c == nil {
		return
	}
	done := d.c.Stop().Done()
	d.c = nil
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Next reports the next fire time, or zero when not scheduled.
func (d *Digest) Next() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return time.Time{}
	}
	if es := d.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

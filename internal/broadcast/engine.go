// Package broadcast fans one message out to every recipient that opted into
// its category.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"queuepush/internal/eventbus"
	"queuepush/internal/settings"
	"queuepush/internal/transport"
	"queuepush/pkg/logx"
)

var ErrClosed = errors.New("broadcast engine closed")

// Recipients is the read side of the settings store.
type Recipients interface {
	All(ctx context.Context) ([]settings.Recipient, error)
}

type Config struct {
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
	ButtonText  string
	ButtonURL   string
}

// Outcome summarizes one broadcast. Total counts eligible recipients;
// Gone is the subset of Failed that can never be reached again.
type Outcome struct {
	Category settings.Category `json:"category"`
	Sent     int               `json:"sent"`
	Failed   int               `json:"failed"`
	Total    int               `json:"total"`
	Gone     int               `json:"gone"`
	Took     time.Duration     `json:"took"`
}

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	closed  bool

	recipients Recipients
	sender     transport.Sender
	bus        eventbus.Bus
	log        logx.Logger
	metrics    *Metrics

	base     context.Context
	abandon  context.CancelFunc
	inflight sync.WaitGroup
}

func New(cfg Config, recipients Recipients, sender transport.Sender, bus eventbus.Bus, log logx.Logger, m *Metrics) *Engine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = withDefaults(cfg)
	base, abandon := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		recipients: recipients,
		sender:     sender,
		bus:        bus,
		log:        log.With(logx.String("comp", "broadcast")),
		metrics:    m,
		base:       base,
		abandon:    abandon,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return cfg
}

// Apply updates pool size, rate and button for subsequent broadcasts.
func (e *Engine) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	e.mu.Lock()
	e.cfg = cfg
	e.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	e.limiter.SetBurst(cfg.RatePerSec)
	e.mu.Unlock()
}

// Broadcast sends text to every recipient whose preferences enable cat and
// returns once every attempt has settled. Individual failures never abort
// the broadcast.
func (e *Engine) Broadcast(ctx context.Context, cat settings.Category, text string) (Outcome, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{Category: cat}, ErrClosed
	}
	e.inflight.Add(1)
	cfg := e.cfg
	lim := e.limiter
	e.mu.Unlock()
	defer e.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.base, cancel)
	defer stop()

	start := time.Now()
	all, err := e.recipients.All(ctx)
	if err != nil {
		return Outcome{Category: cat}, fmt.Errorf("load recipients: %w", err)
	}
	eligible := make([]settings.Recipient, 0, len(all))
	for _, r := range all {
		if r.Settings().Enabled(cat) {
			eligible = append(eligible, r)
		}
	}

	opt := &transport.SendOptions{ParseMode: transport.ParseMarkdown, DisablePreview: true}
	if cfg.ButtonText != "" && cfg.ButtonURL != "" {
		opt.Keyboard = transport.Keyboard{{{Text: cfg.ButtonText, URL: cfg.ButtonURL}}}
	}

	var sent, failed, gone atomic.Int64
	jobs := make(chan settings.Recipient)
	workers := min(cfg.Workers, len(eligible))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for r := range jobs {
				err := e.deliver(ctx, lim, cfg.SendTimeout, r, text, opt)
				switch {
				case err == nil:
					sent.Add(1)
				case IsPermanent(err):
					failed.Add(1)
					gone.Add(1)
					e.log.Info("recipient unreachable", logx.String("id", r.ID), logx.Err(err))
				default:
					failed.Add(1)
					e.log.Warn("delivery failed", logx.String("id", r.ID), logx.Err(err))
				}
			}
		}()
	}
	for _, r := range eligible {
		jobs <- r
	}
	close(jobs)
	wg.Wait()

	out := Outcome{
		Category: cat,
		Sent:     int(sent.Load()),
		Failed:   int(failed.Load()),
		Total:    len(eligible),
		Gone:     int(gone.Load()),
		Took:     time.Since(start),
	}
	e.metrics.record(out)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastCompleted, Data: out})
	fields := []logx.Field{
		logx.String("category", string(cat)),
		logx.Int("total", out.Total),
		logx.Int("sent", out.Sent),
		logx.Int("failed", out.Failed),
		logx.Int("gone", out.Gone),
		logx.Duration("took", out.Took),
	}
	if out.Failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return out, nil
}

func (e *Engine) deliver(ctx context.Context, lim *rate.Limiter, timeout time.Duration, r settings.Recipient, text string, opt *transport.SendOptions) error {
	chatID, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", r.ID, err)
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = e.sender.SendText(sctx, transport.ChatTarget{ChatID: chatID}, text, opt)
	return err
}

// Close rejects new broadcasts and waits for running ones. When ctx ends
// first, in-flight deliveries are cancelled and abandoned.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.abandon()
		return nil
	case <-ctx.Done():
		e.abandon()
		e.log.Warn("abandoning in-flight broadcasts", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

var permanentMarkers = []string{
	"bot was blocked",
	"blocked by the user",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
	"kicked from",
	"user not found",
}

// IsPermanent reports whether err means the chat can never be reached again.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Metrics are the engine's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuepush",
			Name:      "broadcast_deliveries_total",
			Help:      "Delivery attempts by category and result (sent, failed, gone).",
		}, []string{"category", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queuepush",
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a whole broadcast.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"category"}),
	}
	if reg != nil {
		reg.MustRegister(m.deliveries, m.duration)
	}
	return m
}

func (m *Metrics) record(o Outcome) {
	if m == nil {
		return
	}
	c := string(o.Category)
	m.deliveries.WithLabelValues(c, "sent").Add(float64(o.Sent))
	m.deliveries.WithLabelValues(c, "failed").Add(float64(o.Failed))
	m.deliveries.WithLabelValues(c, "gone").Add(float64(o.Gone))
	m.duration.WithLabelValues(c).Observe(o.Took.Seconds())
}

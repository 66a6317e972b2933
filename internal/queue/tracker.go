// Package queue decides when a matchmaking queue is worth announcing.
//
// The tracker is edge-triggered: a mode fires when its count climbs onto a
// threshold it has not announced yet, and re-arms only after the count
// falls below the low-water mark.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"queuepush/internal/settings"
	"queuepush/pkg/logx"
)

// State is one QUEUE_STATE event.
type State struct {
	Mode    int `json:"mode"`
	InQueue int `json:"inQueue"`
}

// Decision describes a notification to broadcast.
type Decision struct {
	Mode     int
	Count    int
	Category settings.Category
	Label    string
}

type Mode struct {
	ID       int
	Category settings.Category
	Label    string
}

type Config struct {
	Thresholds      []int
	LowWater        int
	Modes           []Mode
	DefaultCategory settings.Category
}

func DefaultConfig() Config {
	return Config{
		Thresholds: []int{8, 9},
		LowWater:   5,
		Modes: []Mode{
			{ID: 1, Category: settings.Normal, Label: "Обычная 5х5"},
			{ID: 8, Category: settings.Highroom, Label: "Highroom 5x5"},
		},
		DefaultCategory: settings.Highroom,
	}
}

var ErrInvalidState = errors.New("invalid queue state")

type counters struct {
	current      int
	lastNotified int
}

// Tracker owns per-mode counters. Observe is called from the stream goroutine;
// Counts and Apply may be called from anywhere.
type Tracker struct {
	mu         sync.Mutex
	thresholds map[int]struct{}
	lowWater   int
	modes      map[int]Mode
	defCat     settings.Category
	state      map[int]*counters

	log     logx.Logger
	metrics *Metrics
}

func NewTracker(cfg Config, log logx.Logger, m *Metrics) *Tracker {
	t := &Tracker{
		state:   make(map[int]*counters),
		log:     log.With(logx.String("comp", "queue")),
		metrics: m,
	}
	t.Apply(cfg)
	return t
}

// Apply swaps thresholds and mode mapping. Counters are preserved.
func (t *Tracker) Apply(cfg Config) {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultConfig().Thresholds
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = settings.Highroom
	}
	th := make(map[int]struct{}, len(cfg.Thresholds))
	for _, v := range cfg.Thresholds {
		th[v] = struct{}{}
	}
	modes := make(map[int]Mode, len(cfg.Modes))
	for _, m := range cfg.Modes {
		modes[m.ID] = m
	}

	t.mu.Lock()
	t.thresholds = th
	t.lowWater = cfg.LowWater
	t.modes = modes
	t.defCat = cfg.DefaultCategory
	for id := range modes {
		if _, ok := t.state[id]; !ok {
			t.state[id] = &counters{}
		}
	}
	t.mu.Unlock()
}

// ObserveEvent decodes a raw QUEUE_STATE payload. Payloads without a mode or
// with a negative count are rejected without touching any counter.
func (t *Tracker) ObserveEvent(raw []byte) (Decision, bool, error) {
	var p struct {
		Mode    *int `json:"mode"`
		InQueue *int `json:"inQueue"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		t.metrics.rejected()
		return Decision{}, false, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if p.Mode == nil || p.InQueue == nil || *p.InQueue < 0 {
		t.metrics.rejected()
		return Decision{}, false, fmt.Errorf("%w: %s", ErrInvalidState, raw)
	}
	d, ok := t.Observe(*p.Mode, *p.InQueue)
	return d, ok, nil
}

// Observe records count for mode and reports whether it crossed a threshold.
func (t *Tracker) Observe(mode, count int) (Decision, bool) {
	if count < 0 {
		t.metrics.rejected()
		return Decision{}, false
	}

	t.mu.Lock()
	c, ok := t.state[mode]
	if !ok {
		c = &counters{}
		t.state[mode] = c
	}
	prev := c.current
	c.current = count

	var (
		d    Decision
		emit bool
	)
	if _, hit := t.thresholds[count]; hit && count > prev && count != c.lastNotified {
		c.lastNotified = count
		m := t.modeLocked(mode)
		d = Decision{Mode: mode, Count: count, Category: m.Category, Label: m.Label}
		emit = true
	}
	if count < t.lowWater {
		c.lastNotified = 0
	}
	t.mu.Unlock()

	t.metrics.observed(mode, count, emit)
	if emit {
		t.log.Info("threshold reached", logx.Int("mode", mode), logx.Int("count", count), logx.String("category", string(d.Category)))
	} else {
		t.log.Debug("queue state", logx.Int("mode", mode), logx.Int("prev", prev), logx.Int("count", count))
	}
	return d, emit
}

func (t *Tracker) modeLocked(id int) Mode {
	if m, ok := t.modes[id]; ok {
		return m
	}
	return Mode{ID: id, Category: t.defCat, Label: fmt.Sprintf("mode %d", id)}
}

// ModeCount is a snapshot entry for one mode. Configured is false for modes
// first seen on the stream.
type ModeCount struct {
	Mode
	Count      int
	Configured bool
}

// Counts returns current counts ordered by mode id.
func (t *Tracker) Counts() []ModeCount {
	t.mu.Lock()
	out := make([]ModeCount, 0, len(t.state))
	for id, c := range t.state {
		_, known := t.modes[id]
		out = append(out, ModeCount{Mode: t.modeLocked(id), Count: c.current, Configured: known})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the current count for mode, zero when unseen.
func (t *Tracker) Count(mode int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.state[mode]; ok {
		return c.current
	}
	return 0
}

// Metrics are the tracker's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	inQueue   *prometheus.GaugeVec
	decisions *prometheus.CounterVec
	invalid   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queuepush",
			Name:      "queue_in_queue",
			Help:      "Players currently searching, per mode.",
		}, []string{"mode"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuepush",
			Name:      "queue_decisions_total",
			Help:      "Threshold notifications decided, per mode.",
		}, []string{"mode"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuepush",
			Name:      "queue_invalid_events_total",
			Help:      "Queue events dropped at ingestion.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inQueue, m.decisions, m.invalid)
	}
	return m
}

func (m *Metrics) observed(mode, count int, emitted bool) {
	if m == nil {
		return
	}
	label := fmt.Sprint(mode)
	m.inQueue.WithLabelValues(label).Set(float64(count))
	if emitted {
		m.decisions.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.invalid.Inc()
}

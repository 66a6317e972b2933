// Package stream subscribes to the queue-state feed over Socket.IO.
//
// Only the websocket transport of Engine.IO v4 is spoken. The client keeps
// exactly one connection and reconnects forever with capped backoff.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"queuepush/internal/eventbus"
	"queuepush/internal/runtime/supervisor"
	"queuepush/pkg/logx"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// ErrConnectionLost wraps every failure that happened after the namespace
// handshake succeeded.
var ErrConnectionLost = errors.New("stream connection lost")

// Handler receives the first argument of each matching event, in order.
type Handler func(ctx context.Context, payload json.RawMessage)

type Config struct {
	URL         string
	Path        string
	Event       string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
}

type Client struct {
	cfg     Config
	handler Handler
	bus     eventbus.Bus
	log     logx.Logger
	metrics *Metrics
	dialer  *websocket.Dialer

	state atomic.Value // State

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config, h Handler, bus eventbus.Bus, log logx.Logger, m *Metrics) *Client {
	if cfg.Event == "" {
		cfg.Event = "QUEUE_STATE"
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	c := &Client{
		cfg:     cfg,
		handler: h,
		bus:     bus,
		log:     log.With(logx.String("comp", "stream")),
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
	}
	c.state.Store(StateIdle)
	return c
}

func (c *Client) State() State {
	s, _ := c.state.Load().(State)
	return s
}

// Start runs the connection loop under sup until its context ends.
func (c *Client) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("stream", c.RunOnce,
		supervisor.WithRestartBackoff(c.cfg.MinBackoff, c.cfg.MaxBackoff),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithBackoffReset(0),
		supervisor.WithBackoffResetOn(func(err error) bool { return errors.Is(err, ErrConnectionLost) }),
		supervisor.WithOnRestart(func(attempt int, wait time.Duration, err error) {
			c.metrics.reconnect()
			c.setState(StateReconnecting, map[string]any{"attempt": attempt, "backoff": wait.String(), "err": err.Error()})
		}),
	)
}

// Close drops the current connection; Start's loop will redial.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) setState(s State, data any) {
	c.state.Store(s)
	c.metrics.setConnected(s == StateConnected)
	var typ string
	switch s {
	case StateConnecting:
		typ = eventbus.TypeStreamConnecting
	case StateConnected:
		typ = eventbus.TypeStreamConnected
	case StateDisconnected:
		typ = eventbus.TypeStreamDisconnected
	case StateReconnecting:
		typ = eventbus.TypeStreamReconnecting
	default:
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// RunOnce dials, joins the default namespace and reads until the connection
// fails or ctx ends. A nil return only happens on cancellation.
func (c *Client) RunOnce(ctx context.Context) error {
	u, err := endpoint(c.cfg.URL, c.cfg.Path)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}
	c.setState(StateConnecting, nil)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dctx, u, nil)
	cancel()
	if err != nil {
		c.setState(StateDisconnected, nil)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial %s: %w", u, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	joined, err := c.session(ctx, conn)
	c.setState(StateDisconnected, nil)
	if ctx.Err() != nil {
		return nil
	}
	if joined {
		c.log.Warn("stream disconnected", logx.Err(err))
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) (joined bool, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read open: %w", err)
	}
	open, err := parseOpen(msg)
	if err != nil {
		return false, err
	}
	timeout := open.readTimeout()

	if err := conn.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return false, fmt.Errorf("join namespace: %w", err)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return joined, err
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return joined, fmt.Errorf("pong: %w", err)
			}
		case eioClose:
			return joined, errors.New("server closed the session")
		case eioNoop, eioPong:
		case eioMessage:
			if len(msg) < 2 {
				continue
			}
			switch msg[1] {
			case sioConnect:
				if !joined {
					joined = true
					c.log.Info("stream connected", logx.String("sid", open.SID), logx.Duration("read_timeout", timeout))
					c.setState(StateConnected, map[string]any{"sid": open.SID})
				}
			case sioConnectError:
				return joined, fmt.Errorf("namespace rejected: %s", truncate(msg[2:]))
			case sioDisconnect:
				return joined, errors.New("server left the namespace")
			case sioEvent:
				c.dispatch(ctx, msg[2:])
			}
		default:
			c.log.Debug("ignoring packet", logx.String("packet", truncate(msg)))
		}
	}
}

func (c *Client) dispatch(ctx context.Context, body []byte) {
	name, args, err := decodeEvent(body)
	if err != nil {
		c.log.Warn("bad event", logx.Err(err))
		return
	}
	if name != c.cfg.Event {
		return
	}
	c.metrics.event()
	if c.handler == nil {
		return
	}
	var payload json.RawMessage
	if len(args) > 0 {
		payload = args[0]
	}
	c.handler(ctx, payload)
}

// Metrics are the client's prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	connected  prometheus.Gauge
	reconnects prometheus.Counter
	events     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queuepush",
			Name:      "stream_connected",
			Help:      "1 while the queue stream is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuepush",
			Name:      "stream_reconnects_total",
			Help:      "Reconnect attempts of the queue stream.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuepush",
			Name:      "stream_events_total",
			Help:      "Queue events received.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connected, m.reconnects, m.events)
	}
	return m
}

func (m *Metrics) setConnected(v bool) {
	if m == nil {
		return
	}
	if v {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) event() {
	if m != nil {
		m.events.Inc()
	}
}

package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/internal/eventbus"
	"queuepush/internal/runtime/supervisor"
	"queuepush/pkg/logx"
)

// fakeServer speaks just enough Engine.IO/Socket.IO for the client.
// Each connection gets the next script entry; the connection is dropped when
// the script says so, otherwise it stays open until the test ends.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	conns   atomic.Int32
	scripts []func(conn *websocket.Conn) (keepOpen bool)
	pongs   atomic.Int32
}

func newFakeServer(t *testing.T, scripts ...func(conn *websocket.Conn) bool) *fakeServer {
	f := &fakeServer{t: t, scripts: scripts}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
			http.Error(w, "bad transport", http.StatusBadRequest)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(f.conns.Add(1)) - 1

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000}`))
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != "40" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"n1"}`))

		keep := true
		if n < len(f.scripts) {
			keep = f.scripts[n](conn)
		}
		if !keep {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "3" {
				f.pongs.Add(1)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func send(conn *websocket.Conn, mode, inQueue int) {
	b, _ := encodeEvent("QUEUE_STATE", map[string]int{"mode": mode, "inQueue": inQueue})
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func TestClientReconnectsAndKeepsDelivering(t *testing.T) {
	f := newFakeServer(t,
		func(conn *websocket.Conn) bool {
			send(conn, 1, 8)
			return false
		},
		func(conn *websocket.Conn) bool {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`42["OTHER",{}]`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte("2"))
			send(conn, 1, 9)
			return true
		},
	)

	got := make(chan int, 4)
	handler := func(_ context.Context, payload json.RawMessage) {
		var s struct {
			InQueue int `json:"inQueue"`
		}
		if json.Unmarshal(payload, &s) == nil {
			got <- s.InQueue
		}
	}

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := New(Config{URL: f.srv.URL, MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, handler, bus, logx.Nop(), m)

	sup := supervisor.New(context.Background())
	c.Start(sup)
	defer func() { _ = sup.Stop(context.Background()) }()

	for _, want := range []int{8, 9} {
		select {
		case n := <-got:
			assert.Equal(t, want, n)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for inQueue=%d", want)
		}
	}

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.pongs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), f.conns.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconnects))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.events))

	seen := map[string]bool{}
	for drained := false; !drained; {
		select {
		case e := <-events:
			seen[e.Type] = true
		default:
			drained = true
		}
	}
	for _, typ := range []string{eventbus.TypeStreamConnecting, eventbus.TypeStreamConnected, eventbus.TypeStreamDisconnected, eventbus.TypeStreamReconnecting} {
		assert.True(t, seen[typ], typ)
	}
}

func TestRunOnceWrapsLossAfterJoin(t *testing.T) {
	f := newFakeServer(t, func(*websocket.Conn) bool { return false })
	c := New(Config{URL: f.srv.URL}, nil, nil, logx.Nop(), nil)

	err := c.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRunOnceDialFailureIsNotConnectionLoss(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil, nil, logx.Nop(), nil)
	err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectionLost)
}

func TestRunOnceReturnsNilOnCancel(t *testing.T) {
	f := newFakeServer(t)
	c := New(Config{URL: f.srv.URL}, nil, nil, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunOnce(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after cancel")
	}
}

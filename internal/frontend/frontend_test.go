package frontend

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/internal/broadcast"
	"queuepush/internal/queue"
	"queuepush/internal/settings"
	"queuepush/internal/stats"
	"queuepush/internal/transport"
	"queuepush/internal/trigger"
	"queuepush/pkg/logx"
)

type sent struct {
	to   int64
	text string
	opt  *transport.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []transport.MessageRef
	editKbs []transport.Keyboard
	answers []string
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                          { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sent{to: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, _ string, opt *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, ref)
	a.editKbs = append(a.editKbs, opt.Keyboard)
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

type fakeTrigger struct {
	calls []string
	err   error
}

func (t *fakeTrigger) Run(_ context.Context, invoker string) (broadcast.Outcome, error) {
	t.calls = append(t.calls, invoker)
	return broadcast.Outcome{Sent: 1, Total: 1}, t.err
}

func setup(t *testing.T) (*Frontend, *fakeAdapter, *settings.Store, *fakeTrigger) {
	t.Helper()
	a := &fakeAdapter{}
	store := settings.NewStore(settings.NewMemory(), logx.Nop())
	tr := &fakeTrigger{}
	f := New(Config{AdminIDs: []int64{1}, SiteURL: "https://dotaclassic.ru"}, a, store, tr, logx.Nop())
	return f, a, store, tr
}

func message(chat, from int64, user, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: chat, FromID: from, FromUsername: user, Text: text}}
}

func callback(chat int64, data string) transport.Update {
	return transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "cb", ChatID: chat, FromID: chat, MessageID: 9, Data: data}}
}

func TestStartCreatesRecipientAndRendersKeyboard(t *testing.T) {
	f, a, store, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, f.Handle(ctx, message(50, 50, "alice", "/start")))
	require.NoError(t, f.Handle(ctx, message(50, 50, "alice", "/notifications@queuepush_bot")))

	r, ok, err := store.Get(ctx, "50")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", r.DisplayName)

	require.Len(t, a.sent, 2)
	assert.Equal(t, textSettings, a.sent[0].text)
	assert.Equal(t, transport.ParseMarkdown, a.sent[0].opt.ParseMode)
	kb := a.sent[0].opt.Keyboard
	require.Len(t, kb, 4)
	assert.Equal(t, "✅ Обычная 5х5 (Авто)", kb[0][0].Text)
	assert.Equal(t, "toggle_normal", kb[0][0].Data)
	assert.Equal(t, "https://dotaclassic.ru", kb[3][0].URL)
}

func TestToggleFlipsAndRefreshesKeyboard(t *testing.T) {
	f, a, store, _ := setup(t)
	ctx := context.Background()
	_, err := store.GetOrCreate(ctx, "50", "alice")
	require.NoError(t, err)

	require.NoError(t, f.Handle(ctx, callback(50, "toggle_highroom")))

	r, _, _ := store.Get(ctx, "50")
	assert.False(t, r.Settings().Highroom)
	assert.Equal(t, []transport.MessageRef{{ChatID: 50, MessageID: 9}}, a.edits)
	assert.Equal(t, "❌ Highroom 5х5 (Авто)", a.editKbs[0][1][0].Text)
	assert.Equal(t, []string{textSaved}, a.answers)
}

func TestToggleUnknownRecipientWritesNothing(t *testing.T) {
	f, a, store, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, f.Handle(ctx, callback(77, "toggle_manual")))

	_, ok, err := store.Get(ctx, "77")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, a.edits)
}

func TestToggleUnknownCategory(t *testing.T) {
	f, _, _, _ := setup(t)
	err := f.Handle(context.Background(), callback(50, "toggle_ranked"))
	require.ErrorIs(t, err, settings.ErrUnknownCategory)
}

func TestManualTriggerAdminOnly(t *testing.T) {
	f, a, _, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, f.Handle(ctx, message(2, 2, "bob", "го")))
	assert.Empty(t, tr.calls)
	assert.Empty(t, a.sent)

	require.NoError(t, f.Handle(ctx, message(1, 1, "admin", "ГО")))
	require.NoError(t, f.Handle(ctx, message(1, 1, "admin", "/го")))
	assert.Equal(t, []string{"1", "1"}, tr.calls)
	require.Len(t, a.sent, 2)
	assert.Equal(t, textTriggerOK, a.sent[0].text)
}

func TestManualTriggerFailureReply(t *testing.T) {
	f, a, _, tr := setup(t)
	tr.err = errors.New("stats unavailable")

	err := f.Handle(context.Background(), message(1, 1, "admin", "го"))
	require.Error(t, err)
	require.Len(t, a.sent, 1)
	assert.Equal(t, textTriggerErr, a.sent[0].text)
}

func TestApplySwapsAdmins(t *testing.T) {
	f, _, _, tr := setup(t)
	f.Apply(Config{AdminIDs: []int64{2}})

	require.NoError(t, f.Handle(context.Background(), message(1, 1, "a", "го")))
	require.NoError(t, f.Handle(context.Background(), message(2, 2, "b", "го")))
	assert.Equal(t, []string{"2"}, tr.calls)
}

func TestIgnoresUnrelatedInput(t *testing.T) {
	f, a, _, tr := setup(t)
	ctx := context.Background()
	require.NoError(t, f.Handle(ctx, message(1, 1, "a", "hello")))
	require.NoError(t, f.Handle(ctx, message(1, 1, "a", "/help")))
	require.NoError(t, f.Handle(ctx, callback(1, "other:action")))
	assert.Empty(t, a.sent)
	assert.Empty(t, tr.calls)
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	f, a, _, _ := setup(t)
	updates := make(chan transport.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, updates) }()

	updates <- message(3, 3, "c", "/start")
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := Chain(func(context.Context, *Request) error { panic("boom") }, WithRecover(logx.Nop()))
	err := h(context.Background(), &Request{Route: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

type staticStats struct{}

func (staticStats) Online(context.Context) (stats.Online, error) {
	return stats.Online{Sessions: 20, InGame: 12}, nil
}

// countingSender delivers everything and remembers who got a message.
type countingSender struct {
	mu   sync.Mutex
	seen map[int64]int
}

func (s *countingSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[int64]int{}
	}
	s.seen[to.ChatID]++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestManualBroadcastOutlivesHandlerTimeout(t *testing.T) {
	ctx := context.Background()
	store := settings.NewStore(settings.NewMemory(), logx.Nop())
	for i := 0; i < 10; i++ {
		p := settings.Preferences{Manual: true}
		require.NoError(t, store.Put(ctx, settings.Recipient{ID: strconv.Itoa(100 + i), DisplayName: "u", Preferences: &p}))
	}
	sender := &countingSender{}
	engine := broadcast.New(broadcast.Config{Workers: 2, RatePerSec: 5}, store, sender, nil, logx.Nop(), nil)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	tracker := queue.NewTracker(queue.DefaultConfig(), logx.Nop(), nil)
	trg := trigger.New(staticStats{}, tracker, engine, logx.Nop())

	a := &fakeAdapter{}
	f := New(Config{AdminIDs: []int64{1}, HandlerTimeout: 200 * time.Millisecond}, a, store, trg, logx.Nop())

	// 10 recipients at 5/s take about a second, well past the 200ms handler bound.
	require.NoError(t, f.Handle(ctx, message(1, 1, "admin", "го")))
	assert.Equal(t, 10, sender.count())
	require.Len(t, a.sent, 1)
	assert.Equal(t, textTriggerOK, a.sent[0].text)
}

type deadlineTrigger struct {
	left time.Duration
}

func (d *deadlineTrigger) Run(ctx context.Context, _ string) (broadcast.Outcome, error) {
	if dl, ok := ctx.Deadline(); ok {
		d.left = time.Until(dl)
	}
	return broadcast.Outcome{}, nil
}

func TestApplyChangesHandlerTimeout(t *testing.T) {
	dt := &deadlineTrigger{}
	f := New(Config{AdminIDs: []int64{1}, HandlerTimeout: time.Hour}, &fakeAdapter{}, settings.NewStore(settings.NewMemory(), logx.Nop()), dt, logx.Nop())

	require.NoError(t, f.Handle(context.Background(), message(1, 1, "admin", "го")))
	assert.Greater(t, dt.left, 30*time.Minute)

	f.Apply(Config{AdminIDs: []int64{1}, HandlerTimeout: 5 * time.Second})
	require.NoError(t, f.Handle(context.Background(), message(1, 1, "admin", "го")))
	assert.LessOrEqual(t, dt.left, 5*time.Second)
	assert.Greater(t, dt.left, time.Duration(0))
}

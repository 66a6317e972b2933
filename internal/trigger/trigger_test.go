package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/internal/broadcast"
	"queuepush/internal/queue"
	"queuepush/internal/settings"
	"queuepush/internal/stats"
	"queuepush/pkg/logx"
)

type fakeStats struct {
	online stats.Online
	err    error
}

func (f fakeStats) Online(context.Context) (stats.Online, error) { return f.online, f.err }

type recordingBroadcaster struct {
	calls []string
	cats  []settings.Category
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, cat settings.Category, text string) (broadcast.Outcome, error) {
	r.calls = append(r.calls, text)
	r.cats = append(r.cats, cat)
	return broadcast.Outcome{Category: cat, Sent: 3, Total: 3}, nil
}

func tracker() *queue.Tracker {
	tr := queue.NewTracker(queue.DefaultConfig(), logx.Nop(), nil)
	tr.Observe(1, 6)
	tr.Observe(8, 2)
	tr.Observe(5, 4)
	return tr
}

func TestRunBroadcastsDigest(t *testing.T) {
	bc := &recordingBroadcaster{}
	tg := New(fakeStats{online: stats.Online{Sessions: 90, InGame: 42}}, tracker(), bc, logx.Nop())

	out, err := tg.Run(context.Background(), "389569299")
	require.NoError(t, err)
	assert.Equal(t, 3, out.Sent)
	require.Len(t, bc.calls, 1)
	assert.Equal(t, []settings.Category{settings.Manual}, bc.cats)
	assert.Equal(t, "🚀 *DotaClassic: Пора заходить!*\n👤 Играет: 42\n⚔️ Обычная: 6\n🏆 Highroom 5x5: 2", bc.calls[0])
}

func TestRunSkipsBroadcastWhenStatsFail(t *testing.T) {
	bc := &recordingBroadcaster{}
	tg := New(fakeStats{err: stats.ErrUnavailable}, tracker(), bc, logx.Nop())

	_, err := tg.Run(context.Background(), "1")
	require.ErrorIs(t, err, stats.ErrUnavailable)
	assert.Empty(t, bc.calls)
}

func TestThresholdText(t *testing.T) {
	d := queue.Decision{Mode: 1, Count: 8, Category: settings.Normal, Label: "Обычная 5х5"}
	assert.Equal(t, "🔥 *Почти собрались!* \nВ поиске (Обычная 5х5) уже *8/10* игроков.", ThresholdText(d, 0))
}

type ctxBroadcaster struct {
	hasDeadline bool
	err         error
}

func (b *ctxBroadcaster) Broadcast(ctx context.Context, cat settings.Category, _ string) (broadcast.Outcome, error) {
	_, b.hasDeadline = ctx.Deadline()
	b.err = ctx.Err()
	return broadcast.Outcome{Category: cat}, nil
}

func TestRunFanOutIgnoresCallerDeadline(t *testing.T) {
	bc := &ctxBroadcaster{}
	tg := New(fakeStats{online: stats.Online{InGame: 1}}, tracker(), bc, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := tg.Run(ctx, "1")
	require.NoError(t, err)
	assert.False(t, bc.hasDeadline)
	assert.NoError(t, bc.err)
}

func TestDigestLabelsEveryConfiguredMode(t *testing.T) {
	tr := queue.NewTracker(queue.Config{
		Thresholds: []int{8},
		LowWater:   5,
		Modes: []queue.Mode{
			{ID: 1, Category: settings.Normal, Label: "Обычная 5х5"},
			{ID: 8, Category: settings.Highroom, Label: "Highroom 5x5"},
			{ID: 9, Category: settings.Highroom, Label: "Highroom 1x1"},
		},
		DefaultCategory: settings.Highroom,
	}, logx.Nop(), nil)
	tr.Observe(1, 3)
	tr.Observe(8, 4)
	tr.Observe(9, 2)

	got := Digest(stats.Online{InGame: 7}, tr.Counts())
	assert.Equal(t, "🚀 *DotaClassic: Пора заходить!*\n👤 Играет: 7\n⚔️ Обычная: 3\n🏆 Highroom 5x5: 4\n🏆 Highroom 1x1: 2", got)
}

package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/internal/broadcast"
	"queuepush/pkg/logx"
)

type countingRunner struct {
	calls   atomic.Int32
	invoker atomic.Value
	err     error
}

func (r *countingRunner) Run(_ context.Context, invoker string) (broadcast.Outcome, error) {
	r.calls.Add(1)
	r.invoker.Store(invoker)
	return broadcast.Outcome{Sent: 1}, r.err
}

func TestParseSpec(t *testing.T) {
	for _, ok := range []string{"0 19 * * *", "*/30 * * * * *", "@daily", "@every 1h"} {
		_, err := ParseSpec(ok)
		assert.NoError(t, err, ok)
	}
	_, err := ParseSpec("not a spec")
	assert.Error(t, err)
}

func TestDigestFiresWithSchedulerInvoker(t *testing.T) {
	r := &countingRunner{}
	d := NewDigest(Config{Spec: "@every 1s", Timezone: "UTC"}, r, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.False(t, d.Next().IsZero())

	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, Invoker, r.invoker.Load())

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	d.Stop(sctx)
	assert.True(t, d.Next().IsZero())
}

func TestDigestRunnerErrorDoesNotStopSchedule(t *testing.T) {
	r := &countingRunner{err: errors.New("stats down")}
	d := NewDigest(Config{Spec: "@every 1s"}, r, logx.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
}

func TestDigestEmptySpecIsDisabled(t *testing.T) {
	d := NewDigest(Config{}, &countingRunner{}, logx.Nop())
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.Next().IsZero())
}

func TestDigestApplyReschedules(t *testing.T) {
	d := NewDigest(Config{}, &countingRunner{}, logx.Nop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	require.NoError(t, d.Apply(Config{Spec: "0 19 * * *", Timezone: "Europe/Moscow"}))
	next := d.Next()
	require.False(t, next.IsZero())
	assert.Equal(t, 19, next.In(mustLoc(t, "Europe/Moscow")).Hour())

	assert.Error(t, d.Apply(Config{Spec: "0 19 * * *", Timezone: "Nowhere/City"}))
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	var bases []time.Duration
	for i := 0; i < 7; i++ {
		bases = append(bases, b.Base())
		w := b.Next()
		assert.GreaterOrEqual(t, w, bases[i]-bases[i]/5)
		assert.LessOrEqual(t, w, min(bases[i]+bases[i]/5, 30*time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, bases)

	b.Reset()
	assert.Equal(t, time.Second, b.Base())
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	for i := 0; i < 500; i++ {
		w := b.Next()
		assert.LessOrEqual(t, w, 30*time.Second)
		assert.Greater(t, w, time.Duration(0))
	}
	assert.Equal(t, 30*time.Second, b.Base())
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
}

func TestGoRecoversPanics(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in panicky")
}

func TestGoRestartKeepsRetrying(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	var restarts atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) >= 4 {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("dropped")
	},
		WithRestartBackoff(time.Millisecond, 5*time.Millisecond),
		WithOnRestart(func(int, time.Duration, error) { restarts.Add(1) }),
	)

	require.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(3), restarts.Load())
	assert.Equal(t, uint64(3), s.Counters().Restarts["flaky"])
}

func TestGoRestartStopsOnCleanExitByDefault(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(1), runs.Load())
}

func TestGoRestartResetsBackoffOnPredicate(t *testing.T) {
	s := New(context.Background())
	lost := errors.New("connection lost")
	var runs atomic.Int32
	var waits []time.Duration
	s.GoRestart("stream", func(ctx context.Context) error {
		if runs.Add(1) >= 5 {
			<-ctx.Done()
			return ctx.Err()
		}
		return lost
	},
		WithRestartBackoff(time.Millisecond, time.Second),
		WithBackoffResetOn(func(err error) bool { return errors.Is(err, lost) }),
		WithOnRestart(func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) }),
	)

	require.Eventually(t, func() bool { return runs.Load() >= 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.Len(t, waits, 4)
	for _, w := range waits {
		assert.Less(t, w, 2*time.Millisecond)
	}
}

package queue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queuepush/internal/settings"
	"queuepush/pkg/logx"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(DefaultConfig(), logx.Nop(), nil)
}

func TestHysteresisSequence(t *testing.T) {
	tr := newTracker(t)

	var fired []int
	for _, n := range []int{5, 8, 8, 9, 4, 9} {
		if d, ok := tr.Observe(8, n); ok {
			fired = append(fired, d.Count)
		}
	}
	assert.Equal(t, []int{8, 9, 9}, fired)
}

func TestNoRefireWithoutDroppingBelowLowWater(t *testing.T) {
	tr := newTracker(t)

	var fired []int
	for _, n := range []int{8, 6, 8, 5, 8, 4, 8} {
		if d, ok := tr.Observe(1, n); ok {
			fired = append(fired, d.Count)
		}
	}
	// 4 re-arms; 5 and 6 do not.
	assert.Equal(t, []int{8, 8}, fired)
}

func TestDecreasingOntoThresholdDoesNotFire(t *testing.T) {
	tr := newTracker(t)
	_, ok := tr.Observe(1, 10)
	assert.False(t, ok)
	_, ok = tr.Observe(1, 9)
	assert.False(t, ok)
}

func TestModesAreIndependent(t *testing.T) {
	tr := newTracker(t)

	d, ok := tr.Observe(1, 8)
	require.True(t, ok)
	assert.Equal(t, settings.Normal, d.Category)

	d, ok = tr.Observe(8, 8)
	require.True(t, ok)
	assert.Equal(t, settings.Highroom, d.Category)
	assert.Equal(t, "Highroom 5x5", d.Label)
}

func TestUnknownModeUsesDefaultCategory(t *testing.T) {
	tr := newTracker(t)
	d, ok := tr.Observe(22, 9)
	require.True(t, ok)
	assert.Equal(t, settings.Highroom, d.Category)
	assert.Equal(t, 9, tr.Count(22))
}

func TestObserveEventRejectsInvalidPayloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(DefaultConfig(), logx.Nop(), NewMetrics(reg))

	for _, raw := range []string{`{"inQueue":8}`, `{"mode":1,"inQueue":-1}`, `{"mode":1}`, `nope`} {
		_, ok, err := tr.ObserveEvent([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidState, raw)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, tr.Count(1))
	assert.Equal(t, float64(4), testutil.ToFloat64(tr.metrics.invalid))

	d, ok, err := tr.ObserveEvent([]byte(`{"mode":1,"inQueue":8}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, d.Count)
	assert.Equal(t, float64(1), testutil.ToFloat64(tr.metrics.decisions.WithLabelValues("1")))
}

func TestCountsSnapshotIncludesConfiguredModes(t *testing.T) {
	tr := newTracker(t)
	tr.Observe(8, 3)

	got := tr.Counts()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 0, got[0].Count)
	assert.Equal(t, 8, got[1].ID)
	assert.Equal(t, 3, got[1].Count)
}

func TestApplyKeepsCounters(t *testing.T) {
	tr := newTracker(t)
	tr.Observe(1, 6)

	cfg := DefaultConfig()
	cfg.Thresholds = []int{7}
	tr.Apply(cfg)

	assert.Equal(t, 6, tr.Count(1))
	_, ok := tr.Observe(1, 7)
	assert.True(t, ok)
	_, ok = tr.Observe(1, 8)
	assert.False(t, ok)
}

package resilience

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	failure := eris.New("upstream down")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(failure)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	failure := eris.New("upstream down")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(failure)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	failure := eris.New("upstream down")

	b.Record(failure)
	b.Record(failure)
	b.Record(nil)
	b.Record(failure)
	b.Record(failure)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Record(eris.New("upstream down"))
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*now = now.Add(time.Minute)

	// One probe is admitted; a second concurrent caller is rejected
	// until the probe's outcome is recorded.
	assert.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Record(eris.New("upstream down"))
	*now = now.Add(time.Minute)

	require.NoError(t, b.Allow())
	b.Record(nil)

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Record(eris.New("upstream down"))
	*now = now.Add(time.Minute)

	require.NoError(t, b.Allow())
	b.Record(eris.New("still down"))

	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// A full cooldown is required again before the next probe.
	*now = now.Add(time.Minute)
	assert.NoError(t, b.Allow())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(99).String())
}

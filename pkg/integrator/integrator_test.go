package integrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func settings() *Settings {
	return &Settings{
		StallSpeedLimit:   20000,
		StallTime:         2000, // 200 ms
		IntegralChangeMax: 15000,
		IntegralDeadzone:  8000,
	}
}

func TestPositionIntegratorDeadzone(t *testing.T) {
	t.Parallel()

	var itg Position
	itg.Reset(settings(), 0)

	// Errors inside the deadzone contribute nothing and accumulate nothing.
	require.Zero(t, itg.Update(5000))
	require.Zero(t, itg.Update(-8000))
	require.EqualValues(t, 10000, itg.Update(10000))
}

func TestPositionIntegratorChangeBound(t *testing.T) {
	t.Parallel()

	var itg Position
	itg.Reset(settings(), 0)

	// Each update moves the integral by at most IntegralChangeMax.
	prev := int32(0)
	for i := 0; i < 10; i++ {
		v := itg.Update(1000000)
		require.LessOrEqual(t, v-prev, int32(15000))
		prev = v
	}
	require.EqualValues(t, 150000, prev)
}

func TestPositionIntegratorPauseFreezes(t *testing.T) {
	t.Parallel()

	var itg Position
	itg.Reset(settings(), 0)

	v := itg.Update(20000)
	itg.Pause(100)
	require.True(t, itg.Paused())
	require.Equal(t, v, itg.Update(20000))

	itg.Resume(600)
	require.Greater(t, itg.Update(20000), v)
}

func TestPositionIntegratorRefTime(t *testing.T) {
	t.Parallel()

	var itg Position
	itg.Reset(settings(), 0)

	require.EqualValues(t, 1000, itg.RefTime(1000))

	// While paused, the reference time stands still.
	itg.Pause(1000)
	require.EqualValues(t, 1000, itg.RefTime(1500))

	// After resuming, it advances again, shifted by the paused interval.
	itg.Resume(2000)
	require.EqualValues(t, 1500, itg.RefTime(2500))

	// Pause and resume at the same instant changes nothing.
	itg.Pause(3000)
	itg.Resume(3000)
	require.EqualValues(t, 2000, itg.RefTime(3000))
}

func TestPositionIntegratorStalled(t *testing.T) {
	t.Parallel()

	var itg Position
	itg.Reset(settings(), 0)

	// Not stalled while running.
	require.False(t, itg.Stalled(0, 0, 100000))

	itg.Pause(1000)

	// Not stalled before the stall time passes.
	require.False(t, itg.Stalled(2000, 0, 100000))
	// Stalled once it does, standing still, with the reference pushing.
	require.True(t, itg.Stalled(3000, 0, 100000))
	// Not stalled when actually moving.
	require.False(t, itg.Stalled(3000, 50000, 100000))
	// Not stalled when the reference is not pushing.
	require.False(t, itg.Stalled(3000, 0, 0))
}

func TestSpeedIntegratorTracksErrorSinceResume(t *testing.T) {
	t.Parallel()

	var itg Speed
	itg.Reset(settings())

	require.EqualValues(t, 10000, itg.GetError(10000))
	require.EqualValues(t, 25000, itg.GetError(25000))
}

func TestSpeedIntegratorPauseHoldsError(t *testing.T) {
	t.Parallel()

	var itg Speed
	itg.Reset(settings())

	itg.Pause(1000, 30000)
	require.True(t, itg.Paused())

	// While paused the compensated error stays where it was.
	require.EqualValues(t, 30000, itg.GetError(99000))

	// After resuming, growth continues relative to the resume point.
	itg.Resume(40000)
	require.EqualValues(t, 30000, itg.GetError(40000))
	require.EqualValues(t, 35000, itg.GetError(45000))
}

func TestSpeedIntegratorStalled(t *testing.T) {
	t.Parallel()

	var itg Speed
	itg.Reset(settings())

	require.False(t, itg.Stalled(0, 0, 100000))

	itg.Pause(1000, 5000)
	require.False(t, itg.Stalled(2000, 0, 100000))
	require.True(t, itg.Stalled(3001, 0, 100000))
	require.False(t, itg.Stalled(3001, 25000, 100000))
}

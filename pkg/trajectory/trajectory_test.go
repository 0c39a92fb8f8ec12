package trajectory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

const (
	mdeg       = 1
	deg        = 1000
	degPerSec  = 1000
	ticksPerMs = 10
)

func command() Command {
	return Command{
		SpeedMax:     1000 * degPerSec,
		Acceleration: 2000 * deg,
		Deceleration: 2000 * deg,
	}
}

func TestTrapezoidProfile(t *testing.T) {
	t.Parallel()

	// Run 1000° at 500°/s with 2000°/s² ramps from standstill: 0.25 s ramp,
	// 1.75 s cruise, 0.25 s ramp.
	c := command()
	c.PositionEnd = angle.FromMdeg(1000 * deg)
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	end := traj.GetEndpoint()
	require.Equal(t, uint32(2250*ticksPerMs), end.Time)
	require.EqualValues(t, 1000*deg, end.Position.TotalMdeg())
	require.Zero(t, end.Speed)

	// Peak speed is the commanded speed.
	require.EqualValues(t, 500*degPerSec, traj.GetAbsCommandSpeed())
	atCruise := traj.GetReference(3000 * ticksPerMs / 10)
	require.EqualValues(t, 500*degPerSec, atCruise.Speed)

	// The endpoint is exact.
	final := traj.GetReference(end.Time)
	require.EqualValues(t, 1000*deg, final.Position.TotalMdeg())
	require.Zero(t, final.Speed)

	// And holds after the end.
	later := traj.GetReference(end.Time + 10000)
	require.EqualValues(t, 1000*deg, later.Position.TotalMdeg())
	require.Zero(t, later.Speed)
}

func TestTriangleFallback(t *testing.T) {
	t.Parallel()

	// 100° at the same limits cannot reach 500°/s: the peak becomes
	// sqrt(a*d) ≈ 447°/s and the profile is a triangle.
	c := command()
	c.PositionEnd = angle.FromMdeg(100 * deg)
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	peak := traj.GetAbsCommandSpeed()
	require.InDelta(t, 447213, peak, 100)

	end := traj.GetEndpoint()
	require.EqualValues(t, 100*deg, end.Position.TotalMdeg())
	require.Zero(t, end.Speed)

	// Duration ≈ 2 * 447 / 2000 s.
	require.InDelta(t, 4472, int(end.Time), 50)

	// No overshoot anywhere along the curve.
	for tick := uint32(0); tick <= end.Time; tick += 50 {
		ref := traj.GetReference(tick)
		require.LessOrEqual(t, ref.Position.TotalMdeg(), int64(100*deg)+1,
			"overshoot at tick %d", tick)
	}
}

func TestReverseTarget(t *testing.T) {
	t.Parallel()

	// A target behind the start runs backward, whatever the speed sign.
	c := command()
	c.PositionStart = angle.FromMdeg(500 * deg)
	c.PositionEnd = angle.FromMdeg(-500 * deg)
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	mid := traj.GetReference(5000)
	require.Negative(t, mid.Speed)

	end := traj.GetEndpoint()
	require.EqualValues(t, -500*deg, end.Position.TotalMdeg())
	require.Zero(t, end.Speed)
}

func TestSegmentContinuity(t *testing.T) {
	t.Parallel()

	c := command()
	c.PositionEnd = angle.FromMdeg(1000 * deg)
	c.SpeedTarget = 500 * degPerSec
	c.SpeedStart = 100 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	end := traj.GetEndpoint()
	var prev Reference
	for tick := uint32(0); tick <= end.Time; tick++ {
		ref := traj.GetReference(tick)
		if tick > 0 {
			step := ref.Position.DiffMdeg(prev.Position)
			// At most the distance of one tick at a bit over max speed.
			require.LessOrEqual(t, int(step), 60, "jump at tick %d", tick)
			require.GreaterOrEqual(t, int(step), -60, "jump at tick %d", tick)
		}
		prev = ref
	}
}

func TestAngleCommandContinueRunning(t *testing.T) {
	t.Parallel()

	c := command()
	c.PositionEnd = angle.FromMdeg(500 * deg)
	c.SpeedTarget = 500 * degPerSec
	c.ContinueRunning = true

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	end := traj.GetEndpoint()
	require.EqualValues(t, 500*degPerSec, end.Speed)

	// The reference keeps moving past the target.
	later := traj.GetReference(end.Time + 10000)
	require.Greater(t, later.Position.TotalMdeg(), int64(500*deg))
	require.EqualValues(t, 500*degPerSec, later.Speed)
}

func TestTimeCommand(t *testing.T) {
	t.Parallel()

	c := command()
	c.Duration = 2000 * ticksPerMs
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewTimeCommand(&c))

	end := traj.GetEndpoint()
	require.Equal(t, uint32(2000*ticksPerMs), end.Time)
	require.Zero(t, end.Speed)

	// 0.25 s ramp up, 1.5 s cruise, 0.25 s ramp down: distance is
	// 62.5 + 750 + 62.5 degrees.
	require.InDelta(t, 875000, end.Position.TotalMdeg(), 1000)
}

func TestTimeCommandNegativeSpeed(t *testing.T) {
	t.Parallel()

	c := command()
	c.Duration = 1000 * ticksPerMs
	c.SpeedTarget = -500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewTimeCommand(&c))

	mid := traj.GetReference(500 * ticksPerMs)
	require.EqualValues(t, -500*degPerSec, mid.Speed)
	require.Negative(t, mid.Position.TotalMdeg())
}

func TestTimeCommandTooShortLowersPeak(t *testing.T) {
	t.Parallel()

	// 200 ms is not enough to ramp to 500°/s and back down; the peak speed
	// shrinks so both ramps fit exactly.
	c := command()
	c.Duration = 200 * ticksPerMs
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewTimeCommand(&c))

	require.Less(t, traj.GetAbsCommandSpeed(), int32(500*degPerSec))
	require.InDelta(t, 200*degPerSec, traj.GetAbsCommandSpeed(), 5*degPerSec)
	require.Equal(t, uint32(200*ticksPerMs), traj.GetEndpoint().Time)
}

func TestForeverDuration(t *testing.T) {
	t.Parallel()

	c := command()
	c.Duration = DurationForeverMs * ticksPerMs
	c.SpeedTarget = 200 * degPerSec
	c.ContinueRunning = true

	var traj Trajectory
	require.NoError(t, traj.NewTimeCommand(&c))
	require.True(t, traj.IsForever())

	ref := traj.GetReference(100000)
	require.EqualValues(t, 200*degPerSec, ref.Speed)
}

func TestGetLastVertex(t *testing.T) {
	t.Parallel()

	c := command()
	c.PositionEnd = angle.FromMdeg(1000 * deg)
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	// During the ramp, the opening vertex is the start.
	v := traj.GetLastVertex(1000)
	require.Equal(t, traj.GetStartVertex(), v)

	// During the cruise, it is the end of the ramp.
	v = traj.GetLastVertex(10000)
	require.Equal(t, uint32(2500), v.Time)
	require.EqualValues(t, 500*degPerSec, v.Speed)
	require.EqualValues(t, 62500, v.Position.TotalMdeg())
}

func TestMakeConstant(t *testing.T) {
	t.Parallel()

	var traj Trajectory
	traj.MakeConstant(&Command{TimeStart: 42, PositionEnd: angle.FromMdeg(90 * deg)})

	ref := traj.GetReference(1000)
	require.EqualValues(t, 90*deg, ref.Position.TotalMdeg())
	require.Zero(t, ref.Speed)
	require.Zero(t, ref.Acceleration)
}

func TestInvalidLimits(t *testing.T) {
	t.Parallel()

	var traj Trajectory

	c := command()
	c.Acceleration = 0
	c.PositionEnd = angle.FromMdeg(100 * deg)
	c.SpeedTarget = 100 * degPerSec
	require.ErrorIs(t, traj.NewAngleCommand(&c), lego.ErrInvalidArg)

	c = command()
	c.Deceleration = -5
	c.PositionEnd = angle.FromMdeg(100 * deg)
	c.SpeedTarget = 100 * degPerSec
	require.ErrorIs(t, traj.NewAngleCommand(&c), lego.ErrInvalidArg)

	c = command()
	c.SpeedTarget = 0
	c.PositionEnd = angle.FromMdeg(100 * deg)
	require.ErrorIs(t, traj.NewAngleCommand(&c), lego.ErrInvalidArg)
}

func TestBrakeHarderThanConfiguredWhenOvershooting(t *testing.T) {
	t.Parallel()

	// Moving fast toward a target that is closer than the stopping
	// distance: the deceleration is raised so the endpoint is still exact.
	c := command()
	c.SpeedStart = 500 * degPerSec
	c.PositionEnd = angle.FromMdeg(10 * deg)
	c.SpeedTarget = 500 * degPerSec

	var traj Trajectory
	require.NoError(t, traj.NewAngleCommand(&c))

	end := traj.GetEndpoint()
	require.EqualValues(t, 10*deg, end.Position.TotalMdeg())
	require.Zero(t, end.Speed)
}

// Package trajectory computes piecewise constant-acceleration reference
// curves for angle-based and time-based motor commands. A trajectory is an
// acceleration ramp, a constant-speed cruise, and a deceleration ramp,
// degenerating to a triangle when the distance is too short for a cruise
// phase.
//
// All math is integer only: positions in millidegrees, speeds in
// millidegrees per second, accelerations in millidegrees per second squared,
// and time in 100 µs clock ticks.
package trajectory

import (
	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

const (
	// DurationForeverMs is the duration used for maneuvers that should run
	// until stopped. Timed trajectories at least this long never complete.
	DurationForeverMs = 1 << 27

	// SpeedMax is the absolute limit on any speed value, well above the
	// rated speed of any LEGO motor.
	SpeedMax = 2000 * 1000

	// AccelerationMin and AccelerationMax bound the configurable
	// acceleration and deceleration. The lower bound also keeps ramp
	// durations short enough for the integer evaluation to stay exact.
	AccelerationMin = 50 * 1000
	AccelerationMax = 20000 * 1000

	ticksPerSecond = 1000 * clock.TicksPerMs
)

// Vertex is a point on the trajectory where the acceleration changes.
type Vertex struct {
	Time     uint32      // ticks
	Position angle.Angle // millidegree angle
	Speed    int32       // mdeg/s
}

// Reference is the sampled trajectory state at one point in time.
type Reference struct {
	Time         uint32      // ticks
	Position     angle.Angle // millidegree angle
	Speed        int32       // mdeg/s
	Acceleration int32       // mdeg/s^2
}

// Command describes a new maneuver.
type Command struct {
	TimeStart     uint32
	PositionStart angle.Angle
	// PositionEnd is the target for angle commands.
	PositionEnd angle.Angle
	// Duration in ticks, for time commands.
	Duration uint32
	// SpeedStart is the speed at the start of the maneuver.
	SpeedStart int32
	// SpeedTarget is the desired cruise speed. For time commands its sign
	// sets the direction; for angle commands the direction follows from the
	// target and only the magnitude is used.
	SpeedTarget  int32
	SpeedMax     int32
	Acceleration int32
	Deceleration int32
	// ContinueRunning keeps the cruise speed at the end of the maneuver
	// instead of decelerating to standstill.
	ContinueRunning bool
}

// Trajectory is a computed maneuver. The zero value is an empty trajectory
// holding angle zero.
type Trajectory struct {
	start Vertex

	// Absolute tick times at which the acceleration, cruise, and
	// deceleration segments end.
	t1, t2, t3 uint32

	// Positions at the segment boundaries. p3 is the endpoint and is exact
	// for angle commands.
	p1, p2, p3 angle.Angle

	w1 int32 // cruise speed (signed)
	w3 int32 // endpoint speed: 0, or the cruise speed when continuing

	a0 int32 // acceleration during the first segment
	a2 int32 // acceleration during the deceleration segment

	cmdSpeed int32 // clamped command speed, sign matching direction
}

// ticksForSpeedChange returns how long a speed change takes at a given
// acceleration magnitude.
func ticksForSpeedChange(dw, accel int64) int64 {
	return intmath.Abs(dw) * ticksPerSecond / accel
}

// clampSegmentTicks bounds a segment duration so that adding it to a tick
// timestamp is always meaningful under wraparound comparisons.
func clampSegmentTicks(ticks int64) int64 {
	const max = 1<<31 - 1
	if ticks > max {
		return max
	}
	if ticks < 0 {
		return 0
	}
	return ticks
}

// posDelta integrates speed over dt ticks under constant acceleration. The
// factored form keeps every intermediate product within int64 for all valid
// speeds, accelerations, and ramp durations.
func posDelta(w, a int32, dt int64) int64 {
	dw := int64(a) * dt / ticksPerSecond
	return (int64(w)*dt + dw*dt/2) / ticksPerSecond
}

// speedDelta returns the speed change over dt ticks at acceleration a.
func speedDelta(a int32, dt int64) int32 {
	return intmath.BindInt64(int64(a) * dt / ticksPerSecond)
}

func (c *Command) validateLimits() error {
	if c.Acceleration < AccelerationMin || c.Acceleration > AccelerationMax ||
		c.Deceleration < AccelerationMin || c.Deceleration > AccelerationMax {
		return lego.ErrInvalidArg
	}
	if c.SpeedMax <= 0 || c.SpeedMax > SpeedMax {
		return lego.ErrInvalidArg
	}
	if intmath.Abs(c.SpeedStart) > SpeedMax {
		return lego.ErrInvalidArg
	}
	return nil
}

// MakeConstant replaces the trajectory with a constant hold at the command's
// end position. Used for hold commands, which skip trajectory generation.
func (t *Trajectory) MakeConstant(c *Command) {
	*t = Trajectory{
		start: Vertex{Time: c.TimeStart, Position: c.PositionEnd, Speed: 0},
		t1:    c.TimeStart,
		t2:    c.TimeStart,
		t3:    c.TimeStart,
		p1:    c.PositionEnd,
		p2:    c.PositionEnd,
		p3:    c.PositionEnd,
	}
}

// NewAngleCommand computes a trajectory that runs from the start state to
// the end position. The endpoint is exact: evaluating the trajectory at its
// end time returns PositionEnd.
func (t *Trajectory) NewAngleCommand(c *Command) error {
	if err := c.validateLimits(); err != nil {
		return err
	}
	if c.SpeedTarget == 0 {
		return lego.ErrInvalidArg
	}

	d := c.PositionEnd.TotalMdeg() - c.PositionStart.TotalMdeg()
	if d == 0 && !c.ContinueRunning {
		// Commanded to where we already are. Hold there; any leftover speed
		// is handled by the controller converging on the constant reference.
		t.MakeConstant(&Command{TimeStart: c.TimeStart, PositionEnd: c.PositionEnd})
		return nil
	}

	// Work in a mirrored frame where the target lies in the positive
	// direction, then flip the results back.
	s := int64(1)
	if d < 0 {
		s = -1
	}
	dm := s * d
	w0 := s * int64(c.SpeedStart)
	wt := int64(intmath.Min(intmath.Abs(c.SpeedTarget), c.SpeedMax))
	aAcc := int64(c.Acceleration)
	aDec := int64(c.Deceleration)

	if c.ContinueRunning {
		t.build(c, s, dm, w0, wt, aAcc, 0, true)
		return nil
	}

	// Distance covered getting from w0 to wt, and from wt to standstill.
	dAcc := (wt*wt - w0*w0) / (2 * aAcc)
	dDec := wt * wt / (2 * aDec)

	if dAcc+dDec > dm {
		// No room to cruise: lower the peak speed (trapezoid becomes a
		// triangle).
		// Divide before the final multiply to keep the intermediate within
		// int64 for all valid limits.
		pk2 := (2*aAcc*dm + w0*w0) / (aAcc + aDec) * aDec
		wpk := int64(intmath.Sqrt32(pk2))
		if w0 > 0 && wpk < w0 {
			// Already moving faster than any reachable peak: brake harder
			// than configured so we still stop exactly on target.
			aDec = intmath.Max((w0*w0+2*dm-1)/(2*dm), aDec)
			wt = w0
		} else {
			wt = intmath.Max(wpk, 1)
		}
	}

	t.build(c, s, dm, w0, wt, aAcc, aDec, false)
	return nil
}

// NewTimeCommand computes a trajectory that runs at the target speed for the
// command duration, including the time spent accelerating and, unless
// continuing, decelerating back to standstill.
func (t *Trajectory) NewTimeCommand(c *Command) error {
	if err := c.validateLimits(); err != nil {
		return err
	}
	if c.Duration > clock.MsToTicks(DurationForeverMs) {
		return lego.ErrInvalidArg
	}

	// Mirror so the command speed is nonnegative.
	s := int64(1)
	if c.SpeedTarget < 0 || (c.SpeedTarget == 0 && c.SpeedStart < 0) {
		s = -1
	}
	w0 := s * int64(c.SpeedStart)
	wt := s * int64(c.SpeedTarget)
	wt = int64(intmath.Min(intmath.BindInt64(wt), c.SpeedMax))
	aAcc := int64(c.Acceleration)
	aDec := int64(c.Deceleration)
	dur := int64(c.Duration)

	forever := c.Duration >= clock.MsToTicks(DurationForeverMs)

	if !c.ContinueRunning && !forever {
		// The deceleration ramp must fit within the duration. If it cannot,
		// lower the cruise speed so that ramp-up plus ramp-down exactly
		// fills the duration.
		tAcc := ticksForSpeedChange(wt-w0, aAcc)
		tDec := ticksForSpeedChange(wt, aDec)
		if tAcc+tDec > dur {
			fit := (dur*aAcc/ticksPerSecond + intmath.Max(w0, 0)) * aDec / (aAcc + aDec)
			wt = intmath.Min(intmath.Max(fit, 0), wt)
		}
	}

	t.buildTimed(c, s, w0, wt, aAcc, aDec, dur, c.ContinueRunning || forever)
	return nil
}

// build fills in the trajectory for an angle command, in the mirrored frame
// where dm >= 0 and wt >= 0. When keepRunning is set there is no
// deceleration phase and the endpoint speed is the cruise speed.
func (t *Trajectory) build(c *Command, s, dm, w0, wt, aAcc, aDec int64, keepRunning bool) {
	var (
		tAcc, tCruise, tDec int64
		dAcc, dDec          int64
		a0, a2              int64
	)

	if wt != w0 {
		if wt > w0 {
			a0 = aAcc
		} else {
			a0 = -aAcc
		}
		tAcc = ticksForSpeedChange(wt-w0, aAcc)
		dAcc = (wt*wt - w0*w0) / (2 * a0)
	}

	if keepRunning {
		// Cruise through the target and keep going.
		if wt > 0 {
			tCruise = (dm - dAcc) * ticksPerSecond / wt
		}
		tCruise = clampSegmentTicks(tCruise)
		dDec = 0
	} else {
		a2 = -aDec
		tDec = ticksForSpeedChange(wt, aDec)
		dDec = wt * wt / (2 * aDec)
		if wt > 0 {
			tCruise = (dm - dAcc - dDec) * ticksPerSecond / wt
		}
		tCruise = clampSegmentTicks(tCruise)
	}

	t.start = Vertex{Time: c.TimeStart, Position: c.PositionStart, Speed: c.SpeedStart}
	t.t1 = c.TimeStart + uint32(tAcc)
	t.t2 = t.t1 + uint32(tCruise)
	t.t3 = t.t2 + uint32(tDec)

	t.p1 = c.PositionStart.AddMdeg(intmath.BindInt64(s * dAcc))
	t.p3 = c.PositionStart.AddMdeg(intmath.BindInt64(s * dm))
	t.p2 = t.p3.AddMdeg(intmath.BindInt64(-s * dDec))

	t.w1 = intmath.BindInt64(s * wt)
	if keepRunning {
		t.w3 = t.w1
	}
	t.a0 = intmath.BindInt64(s * a0)
	t.a2 = intmath.BindInt64(s * a2)
	t.cmdSpeed = t.w1
}

// buildTimed fills in the trajectory for a time command, in the mirrored
// frame where wt >= 0. Positions follow from integrating the speed profile.
func (t *Trajectory) buildTimed(c *Command, s, w0, wt, aAcc, aDec, dur int64, keepRunning bool) {
	var (
		tAcc, tDec int64
		a0, a2     int64
	)

	if wt != w0 {
		if wt > w0 {
			a0 = aAcc
		} else {
			a0 = -aAcc
		}
		tAcc = ticksForSpeedChange(wt-w0, aAcc)
	}
	if !keepRunning {
		a2 = -aDec
		tDec = ticksForSpeedChange(wt, aDec)
	}
	if tAcc > dur {
		tAcc = dur
	}
	tCruise := clampSegmentTicks(dur - tAcc - tDec)

	dAcc := (w0*tAcc + (wt-w0)*tAcc/2) / ticksPerSecond
	dCruise := wt * tCruise / ticksPerSecond
	dDec := wt * tDec / 2 / ticksPerSecond

	t.start = Vertex{Time: c.TimeStart, Position: c.PositionStart, Speed: c.SpeedStart}
	t.t1 = c.TimeStart + uint32(tAcc)
	t.t2 = t.t1 + uint32(tCruise)
	t.t3 = t.t2 + uint32(tDec)

	t.p1 = c.PositionStart.AddMdeg(intmath.BindInt64(s * dAcc))
	t.p2 = t.p1.AddMdeg(intmath.BindInt64(s * dCruise))
	t.p3 = t.p2.AddMdeg(intmath.BindInt64(s * dDec))

	t.w1 = intmath.BindInt64(s * wt)
	if keepRunning {
		t.w3 = t.w1
	}
	t.a0 = intmath.BindInt64(s * a0)
	t.a2 = intmath.BindInt64(s * a2)
	t.cmdSpeed = t.w1
}

// GetReference samples the trajectory at the given time.
func (t *Trajectory) GetReference(now uint32) Reference {
	ref := Reference{Time: now}

	switch {
	case !clock.TicksIsAfter(now, t.t1):
		// Acceleration ramp, anchored at the start vertex.
		dt := int64(int32(now - t.start.Time))
		if dt < 0 {
			dt = 0
		}
		ref.Position = t.start.Position.AddMdeg(intmath.BindInt64(posDelta(t.start.Speed, t.a0, dt)))
		ref.Speed = t.start.Speed + speedDelta(t.a0, dt)
		ref.Acceleration = t.a0
	case !clock.TicksIsAfter(now, t.t2):
		// Cruise.
		dt := int64(int32(now - t.t1))
		ref.Position = t.p1.AddMdeg(intmath.BindInt64(posDelta(t.w1, 0, dt)))
		ref.Speed = t.w1
	case !clock.TicksIsAfter(now, t.t3):
		// Deceleration ramp. Anchoring at the endpoint and integrating
		// backward makes the trajectory land exactly on the target
		// regardless of rounding in the segment times.
		dt := int64(int32(now - t.t3))
		ref.Position = t.p3.AddMdeg(intmath.BindInt64(posDelta(t.w3, t.a2, dt)))
		ref.Speed = t.w3 + speedDelta(t.a2, dt)
		ref.Acceleration = t.a2
	default:
		// Past the end: hold the endpoint, or extrapolate at the cruise
		// speed when the maneuver continues running.
		dt := int64(int32(now - t.t3))
		ref.Position = t.p3
		ref.Speed = t.w3
		if t.w3 != 0 {
			ref.Position = t.p3.AddMdeg(intmath.BindInt64(posDelta(t.w3, 0, dt)))
		}
	}
	return ref
}

// GetEndpoint returns the final vertex of the trajectory.
func (t *Trajectory) GetEndpoint() Vertex {
	return Vertex{Time: t.t3, Position: t.p3, Speed: t.w3}
}

// GetLastVertex returns the vertex that opened the segment active at the
// given time. Re-anchoring a new trajectory on this vertex makes repeated
// commands in a tight loop bit-identical instead of accumulating rounding
// drift.
func (t *Trajectory) GetLastVertex(now uint32) Vertex {
	switch {
	case !clock.TicksIsAfter(now, t.t1):
		return t.start
	case !clock.TicksIsAfter(now, t.t2):
		return Vertex{Time: t.t1, Position: t.p1, Speed: t.w1}
	case !clock.TicksIsAfter(now, t.t3):
		return Vertex{Time: t.t2, Position: t.p2, Speed: t.w1}
	default:
		return Vertex{Time: t.t3, Position: t.p3, Speed: t.w3}
	}
}

// GetAbsCommandSpeed returns the magnitude of the clamped command speed,
// used for gain scheduling.
func (t *Trajectory) GetAbsCommandSpeed() int32 {
	return intmath.Abs(t.cmdSpeed)
}

// GetStartVertex returns the vertex the trajectory starts from.
func (t *Trajectory) GetStartVertex() Vertex {
	return t.start
}

// GetDuration returns the nominal duration of the maneuver in ticks.
func (t *Trajectory) GetDuration() uint32 {
	return t.t3 - t.start.Time
}

// IsForever reports whether this is a maneuver that runs until stopped.
func (t *Trajectory) IsForever() bool {
	return t.GetDuration() >= clock.MsToTicks(DurationForeverMs)
}

// Accel0 returns the acceleration of the first segment, used to detect
// whether a new trajectory is tangent to the previous one.
func (t *Trajectory) Accel0() int32 {
	return t.a0
}

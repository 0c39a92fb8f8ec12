// Package control implements the PID position and speed controller that
// turns trajectory references into torque commands. It manages integral
// wind-up, stall flagging, completion detection, and the hand-off to
// passive actuation when a maneuver ends.
package control

import (
	"math"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/datalog"
	"github.com/bezineb5/go-lego-motion/pkg/dcmotor"
	"github.com/bezineb5/go-lego-motion/pkg/integrator"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/trajectory"
)

// Type selects the active control mode, with optional flags.
type Type uint8

const (
	// TypeNone means no control is active.
	TypeNone Type = 0
	// TypePosition runs an angle-based maneuver.
	TypePosition Type = 1
	// TypeTimed runs a time-based maneuver.
	TypeTimed Type = 2

	typeMask Type = 0x03

	// TypeFlagObjectiveIsStall makes stalling the goal: the maneuver is
	// complete when the motor stalls (run-until-stalled).
	TypeFlagObjectiveIsStall Type = 0x04
	// TypeFlagStopOnStall additionally completes the maneuver if the motor
	// stalls before reaching the target.
	TypeFlagStopOnStall Type = 0x08
)

// OnCompletion selects what happens when a maneuver completes.
type OnCompletion uint8

const (
	// OnCompletionCoast lets the motor spin out.
	OnCompletionCoast OnCompletion = iota
	// OnCompletionBrake shorts the motor windings.
	OnCompletionBrake
	// OnCompletionHold actively holds the final position.
	OnCompletionHold
	// OnCompletionContinue keeps running at the final speed.
	OnCompletionContinue
	// OnCompletionCoastSmart coasts but remembers the endpoint so the next
	// relative maneuver chains exactly from it.
	OnCompletionCoastSmart
	// OnCompletionBrakeSmart brakes with the same endpoint memory.
	OnCompletionBrakeSmart
)

func (oc OnCompletion) isActive() bool {
	return oc == OnCompletionHold || oc == OnCompletionContinue
}

func (oc OnCompletion) isPassiveSmart() bool {
	return oc == OnCompletionCoastSmart || oc == OnCompletionBrakeSmart
}

func (oc OnCompletion) discardSmart() OnCompletion {
	switch oc {
	case OnCompletionCoastSmart:
		return OnCompletionCoast
	case OnCompletionBrakeSmart:
		return OnCompletionBrake
	default:
		return oc
	}
}

// PassiveActuation converts a passive on-completion type to the actuation
// to apply.
func (oc OnCompletion) PassiveActuation() dcmotor.Actuation {
	if oc == OnCompletionCoast || oc == OnCompletionCoastSmart {
		return dcmotor.ActuationCoast
	}
	return dcmotor.ActuationBrake
}

// Status flags of the active maneuver.
const (
	statusComplete uint8 = 1 << 0
	statusStalled  uint8 = 1 << 1
)

// State is the measured and estimated system state in control units.
type State struct {
	Position         angle.Angle
	Speed            int32
	PositionEstimate angle.Angle
	SpeedEstimate    int32
}

// Controller runs one motor's PID control.
type Controller struct {
	Settings Settings

	typ          Type
	onCompletion OnCompletion
	status       uint8

	integratorSettings integrator.Settings
	positionIntegrator integrator.Position
	speedIntegrator    integrator.Speed

	trajectory trajectory.Trajectory

	// Low-pass filtered actuation torque, used as a load estimate.
	pidAverage int32

	// Log, when active, captures one row per update: trajectory-relative
	// time, measured and estimated state, actuation and status flags,
	// torque, reference position and speed, and the P/I/D breakdown.
	Log *datalog.Logger
}

// IsActive reports whether position or timed control is running.
func (c *Controller) IsActive() bool {
	return c.typ&typeMask != TypeNone
}

// TypeIsPosition reports whether an angle-based maneuver is running.
func (c *Controller) TypeIsPosition() bool {
	return c.typ&typeMask == TypePosition
}

// TypeIsTime reports whether a time-based maneuver is running.
func (c *Controller) TypeIsTime() bool {
	return c.typ&typeMask == TypeTimed
}

// OnCompletion returns the completion behavior of the current or last
// maneuver.
func (c *Controller) OnCompletion() OnCompletion {
	return c.onCompletion
}

// Trajectory exposes the active trajectory, for drive-base style parents
// and for tests.
func (c *Controller) Trajectory() *trajectory.Trajectory {
	return &c.trajectory
}

// Stop deactivates control without resetting the completion memory. This is
// what happens when a motor coasts or brakes.
func (c *Controller) Stop() {
	c.typ = TypeNone
	c.setStatus(statusComplete, true)
	c.setStatus(statusStalled, false)
	c.pidAverage = 0
}

// Reset fully reinitializes the control state, as on device setup or
// disconnect.
func (c *Controller) Reset() {
	c.Stop()
	// The on-completion state is the only setting that persists between
	// maneuvers, so it is the only thing left to clear.
	c.onCompletion = OnCompletionCoast
}

func (c *Controller) setStatus(flag uint8, set bool) {
	if set {
		c.status |= flag
	} else {
		c.status &^= flag
	}
}

func (c *Controller) testStatus(flag uint8) bool {
	return c.status&flag != 0
}

// RefTime returns the time at which to evaluate the trajectory: the wall
// time minus any time the position integrator spent paused, so the
// reference freezes while the motor is stuck.
func (c *Controller) RefTime(now uint32) uint32 {
	if c.TypeIsPosition() {
		return c.positionIntegrator.RefTime(now)
	}
	return now
}

// GetReference samples the trajectory at the compensated reference time.
// For timed control the reference position is additionally shifted by the
// speed integrator state, so it stays consistent with the real position
// when load slows the motor.
func (c *Controller) GetReference(now uint32, state *State) trajectory.Reference {
	ref := c.trajectory.GetReference(c.RefTime(now))
	if c.TypeIsTime() {
		positionError := ref.Position.DiffMdeg(state.Position)
		used := c.speedIntegrator.GetError(positionError)
		ref.Position = ref.Position.AddMdeg(used - positionError)
	}
	return ref
}

// pidKp returns the proportional gain for this update. At low command
// speeds the gain is reduced far from the endpoint to avoid jerk and
// current spikes, and restored near the endpoint to guarantee reaching the
// position tolerance.
func (c *Controller) pidKp(positionError, targetError, absCommandSpeed int32) int32 {
	s := &c.Settings
	if absCommandSpeed >= s.PidKpLowSpeedThreshold || positionError == 0 {
		return s.PidKp
	}

	positionError = intmath.Abs(positionError)
	targetError = intmath.Abs(targetError)

	kpLow := int64(s.PidKp) * int64(s.PidKpLowPct) / 100

	// Piecewise-affine feedback in the position error: linear in the low
	// gain for small errors, growing at the full gain above the threshold.
	var kpPwa int64
	if positionError <= s.PidKpLowErrorThreshold {
		kpPwa = kpLow
	} else {
		kpPwa = int64(s.PidKp) - int64(s.PidKpLowErrorThreshold)*(int64(s.PidKp)-kpLow)/int64(positionError)
	}

	// Proportional control saturates where the error commands maximum
	// actuation. Between that point and the equivalent point for the low
	// gain, shift gradually toward the full gain so there is no sudden
	// transition near the target.
	saturationLower := int64(s.DivByGain(s.ActuationMax, s.PidKp))
	saturationUpper := saturationLower * 100 / int64(s.PidKpLowPct)

	var kpTarget int64
	switch {
	case int64(targetError) < saturationLower:
		kpTarget = int64(s.PidKp)
	case int64(targetError) > saturationUpper:
		kpTarget = kpLow
	default:
		kpTarget = kpLow + int64(s.PidKp)*
			(100-int64(s.PidKpLowPct))*(saturationUpper-int64(targetError))/
			(saturationUpper-saturationLower)/100
	}

	return intmath.BindInt64(intmath.Max(kpPwa, kpTarget))
}

func (c *Controller) checkCompletion(refTime uint32, state *State, end trajectory.Vertex) bool {
	if !c.IsActive() {
		return true
	}

	// If stalling is the objective, stall state is completion state.
	if c.typ&TypeFlagObjectiveIsStall != 0 {
		return c.testStatus(statusStalled)
	}

	// If asked to stop on stall, a stall completes the maneuver, but
	// otherwise the normal checks proceed.
	if c.typ&TypeFlagStopOnStall != 0 && c.testStatus(statusStalled) {
		return true
	}

	timeCompleted := clock.TicksIsAfter(refTime, end.Time)

	if c.TypeIsTime() {
		// Infinite maneuvers never complete.
		if c.trajectory.IsForever() {
			return false
		}
		return timeCompleted
	}

	// Angle-based maneuvers must at least run their nominal duration.
	if !timeCompleted {
		return false
	}

	positionRemaining := end.Position.DiffMdeg(state.Position)

	// For a nonzero final speed, done means at or past the target: the sign
	// of the remaining distance differs from the direction of travel.
	if end.Speed != 0 {
		return intmath.Sign(positionRemaining) != intmath.Sign(end.Speed)
	}

	// For a stationary endpoint, first stand still, then be within the
	// position tolerance.
	if intmath.Abs(state.Speed) > c.Settings.SpeedTolerance {
		return false
	}
	return intmath.Abs(positionRemaining) <= c.Settings.PositionTolerance
}

// Update runs one control iteration. It returns the sampled reference, the
// actuation to apply, and the torque payload. The externalPause input
// forces the integrator to pause (used by drive bases whose other motor is
// stuck); on return it reports whether this controller wants pausing.
func (c *Controller) Update(now uint32, state *State, externalPause *bool) (trajectory.Reference, dcmotor.Actuation, int32) {

	// Reference at the compensated time, so time spent stalled does not
	// make the trajectory run away.
	ref := c.trajectory.GetReference(c.RefTime(now))
	end := c.trajectory.GetEndpoint()

	positionError := ref.Position.DiffMdeg(state.Position)
	speedError := ref.Speed - state.SpeedEstimate

	var (
		integralError     int32
		positionErrorUsed int32
		targetError       int32
	)
	if c.TypeIsPosition() {
		targetError = end.Position.DiffMdeg(state.Position)
		integralError = c.positionIntegrator.Update(positionError)
		positionErrorUsed = positionError
	} else {
		// Timed control integrates the position error shortfall; there is
		// no second-order integral term, and no position target.
		positionErrorUsed = c.speedIntegrator.GetError(positionError)
		integralError = 0
		targetError = math.MaxInt32
	}

	kp := c.pidKp(positionError, targetError, c.trajectory.GetAbsCommandSpeed())
	torqueProportional := c.Settings.MulByGain(positionErrorUsed, kp)
	torqueDerivative := c.Settings.MulByGain(speedError, c.Settings.PidKd)
	torqueIntegral := c.Settings.MulByGain(integralError, c.Settings.PidKi)

	torque := intmath.Clamp(torqueProportional+torqueIntegral+torqueDerivative, c.Settings.ActuationMaxTemporary)

	// Wind-up detection: stop accumulating error once the proportional term
	// alone saturates the actuator. The margin of two loop periods of
	// travel keeps the decision from flapping between samples.
	windupMargin := c.Settings.MulByLoopTime(intmath.Abs(state.Speed)) * 2
	maxWindupTorque := c.Settings.ActuationMaxTemporary + c.Settings.MulByGain(windupMargin, kp)

	// Round near-standstill speeds to zero for the direction checks, so
	// encoder noise does not read as reversing.
	speedForDirectionCheck := state.Speed
	if intmath.Abs(state.Speed) < c.Settings.StallSpeedLimit {
		speedForDirectionCheck = 0
	}

	pauseIntegration :=
		// At the proportional torque limit,
		intmath.Abs(torqueProportional) >= maxWindupTorque &&
			// but not when pushing against the current direction of travel,
			intmath.Sign(torqueProportional) != -intmath.Sign(ref.Speed-speedForDirectionCheck) &&
			// and not when the reference accelerates the other way; in both
			// cases reversing can get us unstuck without integral help.
			intmath.Sign(torqueProportional) != -intmath.Sign(ref.Acceleration)

	if c.TypeIsPosition() {
		if pauseIntegration || *externalPause {
			c.positionIntegrator.Pause(now)
		} else {
			c.positionIntegrator.Resume(now)
		}
	} else {
		if pauseIntegration || *externalPause {
			c.speedIntegrator.Pause(now, positionError)
		} else {
			c.speedIntegrator.Resume(positionError)
		}
	}
	*externalPause = pauseIntegration

	if c.TypeIsPosition() {
		c.setStatus(statusStalled, c.positionIntegrator.Stalled(now, state.Speed, ref.Speed))
	} else {
		c.setStatus(statusStalled, c.speedIntegrator.Stalled(now, state.Speed, ref.Speed))
	}

	c.setStatus(statusComplete, c.checkCompletion(ref.Time, state, end))

	// Low-pass filter the torque into a load estimate.
	c.pidAverage = intmath.BindInt64((int64(c.pidAverage)*int64(100-c.Settings.LoopTimeMs) + int64(torque)*int64(c.Settings.LoopTimeMs)) / 100)

	var actuation dcmotor.Actuation
	var controlOut int32
	if !c.testStatus(statusComplete) ||
		c.onCompletion.isActive() ||
		// Smart passive completion keeps actuating briefly so a follow-up
		// command can chain from the stored endpoint without a reset.
		(c.onCompletion.isPassiveSmart() &&
			!clock.TicksIsAfter(ref.Time, end.Time+c.Settings.SmartPassiveHoldTime)) {
		actuation = dcmotor.ActuationTorque
		controlOut = torque
	} else {
		actuation = c.onCompletion.PassiveActuation()
		controlOut = 0
		c.Stop()
	}

	// Holding after running for time can only be done by starting a new
	// position maneuver at the current position.
	if c.testStatus(statusComplete) && c.TypeIsTime() && c.onCompletion == OnCompletionHold {
		target := c.Settings.CtlToAppLong(state.Position)
		c.StartPositionHold(now, target)
	}

	if c.Log != nil && c.Log.IsActive() {
		refLogPosition := ref.Position.AddMdeg(positionErrorUsed - positionError)
		var pauseFlag int32
		if pauseIntegration {
			pauseFlag = 1
		}
		c.Log.AddRow(
			int32(ref.Time-c.trajectory.GetStartVertex().Time),
			c.Settings.CtlToAppLong(state.Position),
			c.Settings.CtlToApp(state.Speed),
			int32(actuation)|int32(c.status)<<2|pauseFlag<<4,
			controlOut,
			c.Settings.CtlToAppLong(refLogPosition),
			c.Settings.CtlToApp(ref.Speed),
			c.Settings.CtlToAppLong(state.PositionEstimate),
			c.Settings.CtlToApp(state.SpeedEstimate),
			torqueProportional,
			torqueIntegral,
			torqueDerivative,
		)
	}

	return ref, actuation, controlOut
}

// setControlType activates a maneuver type and resets the matching
// integrator and status flags.
func (c *Controller) setControlType(now uint32, typ Type, onCompletion OnCompletion) {
	if typ&typeMask == TypeNone {
		c.Stop()
		return
	}

	c.onCompletion = onCompletion
	c.Settings.ActuationMaxTemporary = c.Settings.ActuationMax

	// Completion and stall state get their correct values on the next
	// update.
	c.setStatus(statusComplete, false)

	if c.typ == typ {
		return
	}

	c.setStatus(statusStalled, false)

	c.integratorSettings = c.Settings.IntegratorSettings()
	if typ&typeMask == TypePosition {
		c.positionIntegrator.Reset(&c.integratorSettings, now)
	} else {
		c.speedIntegrator.Reset(&c.integratorSettings)
	}

	c.typ = typ
}

func (c *Controller) newCommand() trajectory.Command {
	return trajectory.Command{
		SpeedMax:     c.Settings.SpeedMax,
		Acceleration: c.Settings.Acceleration,
		Deceleration: c.Settings.Deceleration,
	}
}

func (c *Controller) startPositionControl(now uint32, state *State, target angle.Angle, speed int32, onCompletion OnCompletion, allowShift bool, flags Type) error {

	command := c.newCommand()
	command.PositionEnd = target
	if speed == 0 {
		command.SpeedTarget = c.Settings.SpeedDefault
	} else {
		command.SpeedTarget = speed
	}
	command.ContinueRunning = onCompletion == OnCompletionContinue

	switch {
	case !c.IsActive():
		// Nothing going on: start from the measured state.
		command.TimeStart = now
		command.PositionStart = state.Position
		command.SpeedStart = state.Speed
		if err := c.trajectory.NewAngleCommand(&command); err != nil {
			return err
		}
	case c.TypeIsTime():
		// Timed control is ongoing: branch off its current reference,
		// accounting for the speed integrator shift.
		ref := c.GetReference(now, state)
		command.TimeStart = ref.Time
		command.PositionStart = ref.Position
		command.SpeedStart = ref.Speed
		if err := c.trajectory.NewAngleCommand(&command); err != nil {
			return err
		}
	default:
		// Position control is ongoing: branch off the current reference so
		// the speed does not drop, and re-anchor to the previous vertex when
		// the curves are tangent so tight command loops stay bit-identical.
		ref := c.GetReference(now, state)
		command.TimeStart = ref.Time
		command.PositionStart = ref.Position
		command.SpeedStart = ref.Speed

		refVertex := c.trajectory.GetLastVertex(command.TimeStart)

		if err := c.trajectory.NewAngleCommand(&command); err != nil {
			return err
		}

		if c.trajectory.Accel0() == ref.Acceleration && allowShift {
			command.TimeStart = refVertex.Time
			command.PositionStart = refVertex.Position
			command.SpeedStart = refVertex.Speed
			if err := c.trajectory.NewAngleCommand(&command); err != nil {
				return err
			}
		}
	}

	c.setControlType(now, TypePosition|flags, onCompletion)
	return nil
}

// StartPositionControl runs to a target position given in application
// units. The speed sign is ignored; zero speed selects the default speed.
func (c *Controller) StartPositionControl(now uint32, state *State, position, speed int32, onCompletion OnCompletion) error {
	target := c.Settings.AppToCtlLong(position)
	return c.startPositionControl(now, state, target, c.Settings.AppToCtl(speed), onCompletion, true, 0)
}

// StartRelativePositionControl runs by a distance in application units. A
// negative speed flips the distance sign. The starting point is the current
// reference when control is active; after a smart-passive completion it is
// the stored endpoint, so chained relative moves do not accumulate error.
func (c *Controller) StartRelativePositionControl(now uint32, state *State, distance, speed int32, onCompletion OnCompletion, allowShift bool) error {

	if speed < 0 {
		distance = -distance
	}
	increment := c.Settings.AppToCtlLong(distance)

	var target angle.Angle
	if c.IsActive() {
		ref := c.GetReference(now, state)
		target = ref.Position.Sum(increment)
	} else {
		prevEnd := c.trajectory.GetEndpoint()
		if c.onCompletion.isPassiveSmart() &&
			prevEnd.Position.DiffIsSmall(state.Position) &&
			intmath.Abs(prevEnd.Position.DiffMdeg(state.Position)) < c.Settings.PositionTolerance*2 {
			// Still close to the last endpoint, so chain from it.
			target = prevEnd.Position.Sum(increment)
		} else {
			target = state.Position.Sum(increment)
		}
	}

	return c.startPositionControl(now, state, target, c.Settings.AppToCtl(speed), onCompletion, allowShift, 0)
}

// StartPositionHold holds at a position in application units, skipping
// trajectory generation.
func (c *Controller) StartPositionHold(now uint32, position int32) error {
	command := trajectory.Command{
		TimeStart:   c.RefTime(now),
		PositionEnd: c.Settings.AppToCtlLong(position),
	}
	c.trajectory.MakeConstant(&command)
	c.setControlType(now, TypePosition, OnCompletionHold)
	return nil
}

// StartTimedControl runs at a speed in application units for a duration in
// milliseconds. DurationForeverMs runs until stopped.
func (c *Controller) StartTimedControl(now uint32, state *State, durationMs uint32, speed int32, onCompletion OnCompletion, flags Type) error {

	// Remembering a position endpoint does nothing useful for timed
	// maneuvers, so only the passive actuation part is kept.
	onCompletion = onCompletion.discardSmart()

	command := c.newCommand()
	command.TimeStart = now
	command.Duration = clock.MsToTicks(durationMs)
	command.SpeedTarget = c.Settings.AppToCtl(speed)
	command.ContinueRunning = onCompletion == OnCompletionContinue

	if !c.IsActive() {
		command.PositionStart = state.Position
		command.SpeedStart = state.Speed
		if err := c.trajectory.NewTimeCommand(&command); err != nil {
			return err
		}
	} else {
		// Branch off the current reference. No speed integrator
		// compensation here: the new timed maneuver keeps using the same
		// integrator.
		ref := c.trajectory.GetReference(c.RefTime(now))
		command.PositionStart = ref.Position
		command.SpeedStart = ref.Speed

		refVertex := c.trajectory.GetLastVertex(command.TimeStart)

		if err := c.trajectory.NewTimeCommand(&command); err != nil {
			return err
		}

		if c.TypeIsTime() && c.trajectory.Accel0() == ref.Acceleration {
			command.TimeStart = refVertex.Time
			command.PositionStart = refVertex.Position
			command.SpeedStart = refVertex.Speed
			// The start moved into the past, so the duration grows by the
			// same amount.
			command.Duration += now - refVertex.Time
			if err := c.trajectory.NewTimeCommand(&command); err != nil {
				return err
			}
		}
	}

	c.setControlType(now, TypeTimed|flags, onCompletion)
	return nil
}

// IsStalled reports whether the controller is stalled and for how long, in
// ticks since the stall began.
func (c *Controller) IsStalled(now uint32) (bool, uint32) {
	if !c.IsActive() || !c.testStatus(statusStalled) {
		return false, 0
	}
	var begin uint32
	if c.TypeIsPosition() {
		begin = c.positionIntegrator.TimePauseBegin
	} else {
		begin = c.speedIntegrator.TimePauseBegin
	}
	return true, now - begin
}

// IsDone reports whether the maneuver is complete (or no control is
// active).
func (c *Controller) IsDone() bool {
	return !c.IsActive() || c.testStatus(statusComplete)
}

// PidAverage returns the low-pass filtered actuation torque.
func (c *Controller) PidAverage() int32 {
	return c.pidAverage
}

// SetActuationLimit lowers the torque limit for the current maneuver, in
// µNm. Zero or negative limits are invalid.
func (c *Controller) SetActuationLimit(limit int32) error {
	if limit <= 0 || limit > c.Settings.ActuationMax {
		return lego.ErrInvalidArg
	}
	c.Settings.ActuationMaxTemporary = limit
	return nil
}

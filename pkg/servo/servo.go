// Package servo binds one tacho, one motor driver, one controller, and one
// observer into the closed-loop motor used by applications. A registry owns
// the servos of all ports and runs their control updates on a fixed tick.
package servo

import (
	"log/slog"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/control"
	"github.com/bezineb5/go-lego-motion/pkg/datalog"
	"github.com/bezineb5/go-lego-motion/pkg/dcmotor"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/observer"
	"github.com/bezineb5/go-lego-motion/pkg/trajectory"
)

// LoopTimeMs is the control loop period in milliseconds.
const LoopTimeMs = 5

// Tacho is the angle source for one servo.
type Tacho interface {
	// Setup configures the positive direction and optionally resets the
	// angle to the absolute marker (or zero for relative encoders).
	Setup(direction lego.Direction, resetAngle bool) error
	// Angle returns the current angle.
	Angle() (angle.Angle, error)
	// ResetAngle makes the tacho report the target angle from now on. When
	// resetToAbs is set the target is ignored and the angle snaps to the
	// absolute marker instead; the angle actually set is returned either
	// way.
	ResetAngle(target angle.Angle, resetToAbs bool) (angle.Angle, error)
}

// Parent is a higher-level controller using this servo, such as a drive
// base. Commanding the servo directly stops the parent first.
type Parent interface {
	// StopFromChild stops the parent's use of this servo.
	StopFromChild(clearParent bool) error
}

// Servo is one closed-loop motor.
type Servo struct {
	typeID  lego.DeviceType
	tacho   Tacho
	dcmotor *dcmotor.DCMotor

	control  control.Controller
	observer observer.Observer

	clock  *clock.Clock
	logger *slog.Logger

	parent Parent

	runUpdateLoop bool

	// Log, when active, captures one row per tick: time, measured angle and
	// speed, actuation and stall flag, voltage, estimated angle and speed,
	// feedback and feedforward torque, and the observer feedback voltage.
	Log *datalog.Logger
}

// New creates a servo bound to a tacho and motor. It is not usable until
// Setup succeeds.
func New(typeID lego.DeviceType, tacho Tacho, motor *dcmotor.DCMotor, clk *clock.Clock, logger *slog.Logger) *Servo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Servo{
		typeID:  typeID,
		tacho:   tacho,
		dcmotor: motor,
		clock:   clk,
		logger:  logger,
		Log:     datalog.New(clk),
	}
}

// UpdateLoopIsRunning reports whether this servo is being updated by the
// control tick. It becomes true after a successful Setup and false when an
// update fails, such as when the cable is unplugged.
func (s *Servo) UpdateLoopIsRunning() bool {
	// The servo must still own its motor; a direct dcmotor command detaches
	// it.
	if !s.dcmotor.HasParent(s) {
		s.runUpdateLoop = false
	}
	return s.runUpdateLoop
}

// Setup loads the settings for the motor type and registers the servo with
// the control tick.
//
// The gear ratio converts control units (millidegrees at the shaft) to
// application units (degrees at the gear train output). The precision
// profile is the position tolerance in degrees; zero selects the motor
// default.
func (s *Servo) Setup(direction lego.Direction, gearRatio int32, resetAngle bool, precisionProfile int32) error {
	s.runUpdateLoop = false

	if err := s.tacho.Setup(direction, resetAngle); err != nil {
		return err
	}
	if err := s.dcmotor.Setup(direction); err != nil {
		return err
	}
	s.dcmotor.SetParent(s)

	s.control.Reset()
	s.control.Log = datalog.New(s.clock)

	if err := s.loadSettings(s.typeID, gearRatio, precisionProfile); err != nil {
		return err
	}

	a, err := s.tacho.Angle()
	if err != nil {
		return err
	}
	s.observer.Reset(a)

	s.runUpdateLoop = true
	s.logger.Debug("servo ready", "type", s.typeID, "gear_ratio", gearRatio)
	return nil
}

// SetParent registers a higher-level controller using this servo.
func (s *Servo) SetParent(p Parent) {
	s.parent = p
}

func (s *Servo) stopParent(clear bool) error {
	if s.parent == nil {
		return nil
	}
	err := s.parent.StopFromChild(clear)
	if clear {
		s.parent = nil
	}
	return err
}

// StopFromChild stops servo control because the underlying motor was
// commanded directly. The motor itself has already changed state, so only
// the control loop and any parent need stopping.
func (s *Servo) StopFromChild(clearParent bool) error {
	if s.control.IsActive() {
		s.control.Reset()
		if !clearParent {
			return nil
		}
	}
	return s.stopParent(clearParent)
}

// ControlState reads the measured and estimated state in control units.
func (s *Servo) ControlState() (control.State, error) {
	var state control.State
	a, err := s.tacho.Angle()
	if err != nil {
		return state, err
	}
	state.Position = a
	state.Speed, state.PositionEstimate, state.SpeedEstimate = s.observer.EstimatedState()
	return state, nil
}

// StateUser returns the angle in degrees and speed in deg/s at the output.
func (s *Servo) StateUser() (int32, int32, error) {
	if !s.UpdateLoopIsRunning() {
		return 0, 0, lego.ErrInvalidOp
	}
	state, err := s.ControlState()
	if err != nil {
		return 0, 0, err
	}
	return s.control.Settings.CtlToAppLong(state.Position), s.control.Settings.CtlToApp(state.Speed), nil
}

// SpeedUser returns the speed in deg/s differentiated over the given window
// in milliseconds.
func (s *Servo) SpeedUser(windowMs uint32) (int32, error) {
	speed, err := s.observer.GetSpeed(windowMs)
	if err != nil {
		return 0, err
	}
	return s.control.Settings.CtlToApp(speed), nil
}

// Actuate applies an actuation and payload to the motor. Torque payloads
// are converted to voltage through the motor model.
func (s *Servo) Actuate(actuation dcmotor.Actuation, payload int32) error {
	switch actuation {
	case dcmotor.ActuationCoast:
		return s.dcmotor.CoastFromControl()
	case dcmotor.ActuationBrake:
		return s.dcmotor.SetVoltageFromControl(0)
	case dcmotor.ActuationVoltage:
		return s.dcmotor.SetVoltageFromControl(payload)
	case dcmotor.ActuationTorque:
		return s.dcmotor.SetVoltageFromControl(s.observer.Model.TorqueToVoltage(payload))
	default:
		return lego.ErrInvalidArg
	}
}

// update runs one control tick for this servo.
func (s *Servo) update() error {
	now := s.clock.NowTicks()

	state, err := s.ControlState()
	if err != nil {
		return err
	}

	var feedbackTorque, feedforwardTorque int32

	if s.control.IsActive() {
		externalPause := false
		ref, actuation, torque := s.control.Update(now, &state, &externalPause)
		feedbackTorque = torque

		feedforwardTorque = s.observer.Model.FeedforwardTorque(ref.Speed, ref.Acceleration)

		payload := feedbackTorque
		if actuation == dcmotor.ActuationTorque {
			payload += feedforwardTorque
		}
		if err := s.Actuate(actuation, payload); err != nil {
			return err
		}
	}

	// Whatever the control decided, the observer consumes the actuation
	// actually in effect.
	appliedActuation, voltage := s.dcmotor.State()

	if s.Log.IsActive() {
		stalled, _ := s.IsStalled()
		var stallFlag int32
		if stalled {
			stallFlag = 1
		}
		s.Log.AddRow(
			int32(now),
			s.control.Settings.CtlToAppLong(state.Position),
			s.control.Settings.CtlToApp(state.Speed),
			int32(appliedActuation)|stallFlag<<2,
			voltage,
			s.control.Settings.CtlToAppLong(state.PositionEstimate),
			s.control.Settings.CtlToApp(state.SpeedEstimate),
			feedbackTorque,
			feedforwardTorque,
			s.observer.FeedbackVoltage(state.Position),
		)
	}

	s.observer.Update(now, state.Position, appliedActuation, voltage)
	return nil
}

// ResetAngle resets the reported angle to the given value in degrees, or to
// the absolute marker when resetToAbs is set. An active maneuver is stopped
// with its own completion mode; a passive voltage or brake state is
// restored afterwards.
func (s *Servo) ResetAngle(resetAngle int32, resetToAbs bool) error {

	// If a controller was running, stop and re-apply its stop mode after
	// the reset, so there is no confusion about where the motor should go.
	applyStop := s.control.IsActive()
	onCompletion := s.control.OnCompletion()

	actuation, voltage := s.dcmotor.State()

	if err := s.Stop(control.OnCompletionCoast); err != nil {
		return err
	}
	s.control.Reset()

	target := s.control.Settings.AppToCtlLong(resetAngle)
	newAngle, err := s.tacho.ResetAngle(target, resetToAbs)
	if err != nil {
		return err
	}
	s.observer.Reset(newAngle)

	if applyStop {
		return s.Stop(onCompletion)
	}
	if actuation == dcmotor.ActuationVoltage {
		return s.dcmotor.SetVoltageFromControl(voltage)
	}
	// We were coasting, so keep doing that.
	return nil
}

// Stop ends controlled motion and coasts, brakes, or holds.
func (s *Servo) Stop(onCompletion control.OnCompletion) error {
	if !s.UpdateLoopIsRunning() {
		return lego.ErrInvalidOp
	}
	if err := s.stopParent(false); err != nil {
		return err
	}

	// Hold cannot be passive; a stop with continue must also stop, so both
	// turn into tracking the current target.
	if onCompletion == control.OnCompletionHold || onCompletion == control.OnCompletionContinue {
		state, err := s.ControlState()
		if err != nil {
			return err
		}
		holdTarget := state.Position
		if s.control.IsActive() {
			ref := s.control.GetReference(s.clock.NowTicks(), &state)
			holdTarget = ref.Position
		}
		return s.TrackTarget(s.control.Settings.CtlToAppLong(holdTarget))
	}

	s.control.Stop()
	return s.Actuate(onCompletion.PassiveActuation(), 0)
}

func (s *Servo) startCommand() (control.State, error) {
	if !s.UpdateLoopIsRunning() {
		return control.State{}, lego.ErrInvalidOp
	}
	if err := s.stopParent(false); err != nil {
		return control.State{}, err
	}
	return s.ControlState()
}

// RunForever runs at a speed in deg/s until the next command.
func (s *Servo) RunForever(speed int32) error {
	state, err := s.startCommand()
	if err != nil {
		return err
	}
	return s.control.StartTimedControl(s.clock.NowTicks(), &state, trajectory.DurationForeverMs, speed, control.OnCompletionContinue, 0)
}

// RunTime runs at a speed in deg/s for a duration in milliseconds.
func (s *Servo) RunTime(speed int32, durationMs uint32, onCompletion control.OnCompletion) error {
	state, err := s.startCommand()
	if err != nil {
		return err
	}
	return s.control.StartTimedControl(s.clock.NowTicks(), &state, durationMs, speed, onCompletion, 0)
}

// RunUntilStalled runs at a speed in deg/s until the motor stalls, with an
// optional torque limit as a fraction of the maximum in percent.
func (s *Servo) RunUntilStalled(speed int32, torqueLimitPct int32, onCompletion control.OnCompletion) error {
	state, err := s.startCommand()
	if err != nil {
		return err
	}
	err = s.control.StartTimedControl(s.clock.NowTicks(), &state, trajectory.DurationForeverMs, speed, onCompletion, control.TypeFlagObjectiveIsStall)
	if err != nil {
		return err
	}
	if torqueLimitPct > 0 && torqueLimitPct < 100 {
		return s.control.SetActuationLimit(s.control.Settings.ActuationMax / 100 * torqueLimitPct)
	}
	return nil
}

// RunTarget runs at a speed in deg/s to a target angle in degrees. The
// speed sign is ignored; the direction follows from the target.
func (s *Servo) RunTarget(speed, target int32, onCompletion control.OnCompletion) error {
	state, err := s.startCommand()
	if err != nil {
		return err
	}

	// Zero speed cannot run anywhere, but an error here is more confusing
	// than helpful. Run by a zero angle instead, which completes right
	// away.
	if speed == 0 {
		return s.RunAngle(speed, 0, onCompletion)
	}

	return s.control.StartPositionControl(s.clock.NowTicks(), &state, target, speed, onCompletion)
}

// RunAngle runs by an angle in degrees:
//
//	speed (+) with angle (+) gives forward (+)
//	speed (+) with angle (-) gives backward (-)
//	speed (-) with angle (+) gives backward (-)
//	speed (-) with angle (-) gives forward (+)
func (s *Servo) RunAngle(speed, angleBy int32, onCompletion control.OnCompletion) error {
	state, err := s.startCommand()
	if err != nil {
		return err
	}
	if speed == 0 {
		angleBy = 0
	}
	return s.control.StartRelativePositionControl(s.clock.NowTicks(), &state, angleBy, speed, onCompletion, true)
}

// TrackTarget moves the reference to the target angle in degrees right
// away, without a speed curve, and keeps tracking it.
func (s *Servo) TrackTarget(target int32) error {
	if !s.UpdateLoopIsRunning() {
		return lego.ErrInvalidOp
	}
	if err := s.stopParent(false); err != nil {
		return err
	}
	return s.control.StartPositionHold(s.clock.NowTicks(), target)
}

// IsDone reports whether the last command completed.
func (s *Servo) IsDone() bool {
	return s.control.IsDone()
}

// IsStalled reports whether the servo is stalled and for how long in
// milliseconds. With active control this uses the controller's stall state;
// with a user-applied voltage it falls back to the observer; a coasting
// motor is never stalled.
func (s *Servo) IsStalled() (bool, uint32) {
	if !s.UpdateLoopIsRunning() {
		return false, 0
	}

	if s.control.IsActive() {
		stalled, ticks := s.control.IsStalled(s.clock.NowTicks())
		return stalled, clock.TicksToMs(ticks)
	}

	actuation, _ := s.dcmotor.State()
	if actuation == dcmotor.ActuationCoast {
		return false, 0
	}

	stalled, ticks := s.observer.IsStalled(s.clock.NowTicks())
	return stalled, clock.TicksToMs(ticks)
}

// Load returns the estimated external load in mNm.
func (s *Servo) Load() (int32, error) {
	if !s.UpdateLoopIsRunning() {
		return 0, lego.ErrInvalidOp
	}

	actuation, _ := s.dcmotor.State()

	var load int32
	switch {
	case actuation == dcmotor.ActuationCoast:
		// No current flows, so no load estimate.
		load = 0
	case s.control.IsActive():
		// The load opposes whatever the PID is working against.
		load = -s.control.PidAverage()
	default:
		a, err := s.tacho.Angle()
		if err != nil {
			return 0, err
		}
		feedbackVoltage := s.observer.FeedbackVoltage(a)
		load = s.observer.Model.VoltageToTorque(feedbackVoltage)
	}

	return control.ActuationCtlToApp(load), nil
}

// Control exposes the controller, for settings access and tests.
func (s *Servo) Control() *control.Controller {
	return &s.control
}

// Observer exposes the state observer.
func (s *Servo) Observer() *observer.Observer {
	return &s.observer
}

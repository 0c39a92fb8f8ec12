package control

import (
	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/integrator"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
)

// Settings hold all tunable values for one motor controller. Positions are
// in millidegrees at the motor shaft (control units), speeds in mdeg/s,
// torques in µNm, and times in 100 µs ticks unless stated otherwise.
// Application units are degrees at the gear train output.
type Settings struct {
	// CtlStepsPerAppStep converts between control and application units:
	// millidegrees of motor rotation per degree of output rotation.
	CtlStepsPerAppStep int32

	StallSpeedLimit int32
	StallTime       uint32

	SpeedMax       int32
	SpeedDefault   int32
	SpeedTolerance int32

	PositionTolerance int32

	Acceleration int32
	Deceleration int32

	// ActuationMax is the configured torque limit; ActuationMaxTemporary is
	// the limit for the current maneuver and resets to ActuationMax when a
	// new maneuver starts.
	ActuationMax          int32
	ActuationMaxTemporary int32

	PidKp int32
	PidKi int32
	PidKd int32

	// Low-speed kp reduction profile: at command speeds below
	// PidKpLowSpeedThreshold, kp is reduced to PidKpLowPct percent far from
	// the target and restored near it, which avoids jerk without giving up
	// the guarantee of reaching the position tolerance.
	PidKpLowPct            int32
	PidKpLowErrorThreshold int32
	PidKpLowSpeedThreshold int32

	IntegralDeadzone  int32
	IntegralChangeMax int32

	// SmartPassiveHoldTime is how long after smart-passive completion the
	// controller keeps actuating so a follow-up command can chain exactly
	// from the stored endpoint.
	SmartPassiveHoldTime uint32

	// LoopTimeMs is the control loop period in milliseconds.
	LoopTimeMs int32
}

// IntegratorSettings derives the settings shared with the integrators.
func (s *Settings) IntegratorSettings() integrator.Settings {
	return integrator.Settings{
		StallSpeedLimit:   s.StallSpeedLimit,
		StallTime:         s.StallTime,
		IntegralChangeMax: s.IntegralChangeMax,
		IntegralDeadzone:  s.IntegralDeadzone,
	}
}

// MulByGain multiplies a millidegree error by a gain in µNm per degree.
func (s *Settings) MulByGain(value, gain int32) int32 {
	return intmath.BindInt64(int64(value) * int64(gain) / 1000)
}

// DivByGain converts a torque back to the millidegree error that would
// produce it at the given gain.
func (s *Settings) DivByGain(value, gain int32) int32 {
	if gain == 0 {
		return 0
	}
	return intmath.BindInt64(int64(value) * 1000 / int64(gain))
}

// MulByLoopTime scales a per-second rate to one control loop period.
func (s *Settings) MulByLoopTime(value int32) int32 {
	return intmath.BindInt64(int64(value) * int64(s.LoopTimeMs) / 1000)
}

// AppToCtl converts an application value to control units.
func (s *Settings) AppToCtl(value int32) int32 {
	return intmath.BindInt64(int64(value) * int64(s.CtlStepsPerAppStep))
}

// CtlToApp converts a control value to application units.
func (s *Settings) CtlToApp(value int32) int32 {
	if s.CtlStepsPerAppStep == 0 {
		return 0
	}
	return value / s.CtlStepsPerAppStep
}

// AppToCtlLong converts an application value to a control angle.
func (s *Settings) AppToCtlLong(value int32) angle.Angle {
	return angle.FromUser(value, s.CtlStepsPerAppStep)
}

// CtlToAppLong converts a control angle to application units.
func (s *Settings) CtlToAppLong(a angle.Angle) int32 {
	return a.ToUser(s.CtlStepsPerAppStep)
}

// ActuationCtlToApp converts a torque in µNm to user units (mNm).
func ActuationCtlToApp(torque int32) int32 {
	return torque / 1000
}

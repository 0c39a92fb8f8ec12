package servo

import (
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/control"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/observer"
)

// typeSettings is the minimal set of per-motor-type defaults from which the
// full control and observer settings are derived.
type typeSettings struct {
	// ratedMaxSpeed is the rated speed of the motor, in deg/s.
	ratedMaxSpeed int32
	// precisionProfile is the default position tolerance, in deg.
	precisionProfile int32
	// kpLowSpeedThreshold is the command speed below which the reduced kp
	// schedule kicks in, in deg/s.
	kpLowSpeedThreshold int32
	// feedbackGainLow is the default observer feedback gain, in mV/deg.
	feedbackGainLow int32
	// maxVoltage is the rated voltage of the motor, in mV.
	maxVoltage int32
}

var typeSettingsTable = map[lego.DeviceType]typeSettings{
	lego.DeviceTypeInteractiveMotor:       {ratedMaxSpeed: 1000, precisionProfile: 9, kpLowSpeedThreshold: 50, feedbackGainLow: 400, maxVoltage: 6000},
	lego.DeviceTypeMoveHubMotor:           {ratedMaxSpeed: 1000, precisionProfile: 11, kpLowSpeedThreshold: 50, feedbackGainLow: 400, maxVoltage: 6000},
	lego.DeviceTypeTechnicLargeMotor:      {ratedMaxSpeed: 1000, precisionProfile: 10, kpLowSpeedThreshold: 50, feedbackGainLow: 500, maxVoltage: 9000},
	lego.DeviceTypeTechnicXLMotor:         {ratedMaxSpeed: 1000, precisionProfile: 10, kpLowSpeedThreshold: 50, feedbackGainLow: 500, maxVoltage: 9000},
	lego.DeviceTypeSPIKEMediumMotor:       {ratedMaxSpeed: 1100, precisionProfile: 5, kpLowSpeedThreshold: 100, feedbackGainLow: 500, maxVoltage: 9000},
	lego.DeviceTypeSPIKELargeMotor:        {ratedMaxSpeed: 1000, precisionProfile: 5, kpLowSpeedThreshold: 100, feedbackGainLow: 500, maxVoltage: 9000},
	lego.DeviceTypeSPIKESmallMotor:        {ratedMaxSpeed: 1300, precisionProfile: 5, kpLowSpeedThreshold: 100, feedbackGainLow: 400, maxVoltage: 6000},
	lego.DeviceTypeTechnicMediumMotor:     {ratedMaxSpeed: 1100, precisionProfile: 5, kpLowSpeedThreshold: 100, feedbackGainLow: 500, maxVoltage: 9000},
	lego.DeviceTypeTechnicHighTorqueMotor: {ratedMaxSpeed: 970, precisionProfile: 5, kpLowSpeedThreshold: 100, feedbackGainLow: 500, maxVoltage: 9000},
}

// MaxVoltage returns the rated voltage for a motor type, defaulting to 9 V
// for unknown types.
func MaxVoltage(id lego.DeviceType) int32 {
	if ts, ok := typeSettingsTable[id]; ok {
		return ts.maxVoltage
	}
	return 9000
}

const degToMdeg = 1000

// loadSettings derives the full control and observer settings for a motor
// type, gear ratio, and precision profile. A zero precision profile selects
// the default for the motor type.
func (s *Servo) loadSettings(typeID lego.DeviceType, gearRatio, precisionProfile int32) error {

	if gearRatio < 1 {
		return lego.ErrInvalidArg
	}

	ts, ok := typeSettingsTable[typeID]
	if !ok {
		return lego.ErrNotSupported
	}
	model := observer.GetModel(typeID)
	if model == nil {
		return lego.ErrNotSupported
	}

	if precisionProfile == 0 {
		precisionProfile = ts.precisionProfile
	}
	// Tighter tolerance means higher gains, so enforce a lower bound.
	if precisionProfile < 5 {
		return lego.ErrInvalidArg
	}

	s.observer.Model = model

	// The nominal voltage sets the torque scale for the gains. Batteries
	// rarely deliver the full 9 V rating, so the nominal value is capped.
	maxVoltage := ts.maxVoltage
	nominalVoltage := intmath.Min(maxVoltage, 7500)
	nominalTorque := model.VoltageToTorque(nominalVoltage)

	s.control.Settings = control.Settings{
		CtlStepsPerAppStep: gearRatio,
		StallSpeedLimit:    20 * degToMdeg,
		StallTime:          clock.MsToTicks(200),
		SpeedMax:           ts.ratedMaxSpeed * degToMdeg,
		// Run commands always pass an explicit speed, so the default speed
		// only serves as a fallback and is set to the maximum.
		SpeedDefault:      ts.ratedMaxSpeed * degToMdeg,
		SpeedTolerance:    50 * degToMdeg,
		PositionTolerance: precisionProfile * degToMdeg,
		Acceleration:      2000 * degToMdeg,
		Deceleration:      2000 * degToMdeg,
		ActuationMax:      model.VoltageToTorque(maxVoltage),
		// Proportional feedback just exceeds the nominal torque at the
		// tolerance boundary, so proportional control alone can always pull
		// the motor to within tolerance.
		PidKp: nominalTorque / precisionProfile,
		// Integral control saturates in about two seconds if the motor is
		// stuck at the position tolerance.
		PidKi: nominalTorque / precisionProfile / 2,
		// The kd ratio is the same on all motors for a comparable step
		// response, and is not scaled with the user precision profile.
		PidKd:                  nominalTorque / ts.precisionProfile / 8,
		PidKpLowPct:            50,
		PidKpLowErrorThreshold: 5 * degToMdeg,
		PidKpLowSpeedThreshold: ts.kpLowSpeedThreshold * degToMdeg,
		IntegralDeadzone:       8 * degToMdeg,
		IntegralChangeMax:      15 * degToMdeg,
		SmartPassiveHoldTime:   clock.MsToTicks(100),
		LoopTimeMs:             LoopTimeMs,
	}
	s.control.Settings.ActuationMaxTemporary = s.control.Settings.ActuationMax

	s.observer.Settings = observer.Settings{
		StallSpeedLimit:            s.control.Settings.StallSpeedLimit,
		StallTime:                  s.control.Settings.StallTime,
		FeedbackVoltageNegligible:  model.TorqueToVoltage(model.TorqueFriction) * 5 / 2,
		FeedbackVoltageStallRatio:  75,
		FeedbackGainLow:            ts.feedbackGainLow,
		FeedbackGainHigh:           ts.feedbackGainLow * 7,
		FeedbackGainThreshold:      20 * degToMdeg,
		CoulombFrictionSpeedCutoff: 500,
	}
	s.observer.LoopTicks = clock.MsToTicks(LoopTimeMs)

	return nil
}

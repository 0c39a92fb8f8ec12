// Package observer implements the state observer for a brushed DC motor: a
// discrete-time model that fuses the commanded voltage with the measured
// angle to estimate position, speed, and load, and to detect stall when
// control is not active.
package observer

import (
	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/dcmotor"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
)

// Settings tune the observer feedback and stall detection.
type Settings struct {
	// StallSpeedLimit is the estimated speed magnitude below which the motor
	// counts as standing still, in mdeg/s.
	StallSpeedLimit int32
	// StallTime is how long the stall condition must persist, in ticks.
	StallTime uint32
	// FeedbackVoltageNegligible is the feedback voltage magnitude that can
	// be attributed to model mismatch rather than an external load, in mV.
	FeedbackVoltageNegligible int32
	// FeedbackVoltageStallRatio is the percentage of the negligible voltage
	// above which the feedback counts as evidence of stalling.
	FeedbackVoltageStallRatio int32
	// FeedbackGainLow and FeedbackGainHigh correct the estimate toward the
	// measurement, in mV per degree of estimation error. The high gain
	// applies above FeedbackGainThreshold to catch up quickly after large
	// disturbances.
	FeedbackGainLow  int32
	FeedbackGainHigh int32
	// FeedbackGainThreshold is the estimation error where the high gain
	// takes over, in mdeg.
	FeedbackGainThreshold int32
	// CoulombFrictionSpeedCutoff is the estimated speed below which coulomb
	// friction is not applied, to avoid limit cycling around standstill, in
	// mdeg/s.
	CoulombFrictionSpeedCutoff int32
}

// Observer estimates the motor state from the voltage commanded by the
// control loop and the angle measured by the tacho.
type Observer struct {
	// Model is the motor model used for prediction and unit conversion.
	Model    *Model
	Settings Settings

	// LoopTicks is the control loop period used to discretize the model.
	LoopTicks uint32

	positionEstimate angle.Angle
	// Speed estimate scaled by 1000 for resolution across updates.
	speedEstimateMilli int64

	feedbackVoltage int32

	stalled        bool
	stallTimeBegin uint32

	diff Differentiator
}

// Reset snaps the estimated state to the measured angle at standstill. Used
// at setup and whenever the tacho angle is reset.
func (obs *Observer) Reset(measured angle.Angle) {
	obs.positionEstimate = measured
	obs.speedEstimateMilli = 0
	obs.feedbackVoltage = 0
	obs.stalled = false
	obs.diff.Reset(measured, obs.LoopTicks)
}

// EstimatedState returns the differentiated measured speed along with the
// estimated position and speed.
func (obs *Observer) EstimatedState() (speed int32, positionEstimate angle.Angle, speedEstimate int32) {
	return obs.diff.Speed(), obs.positionEstimate, intmath.BindInt64(obs.speedEstimateMilli / 1000)
}

// FeedbackVoltage returns the voltage the observer injects to track the
// given measured angle. Its magnitude is a measure of external load.
func (obs *Observer) FeedbackVoltage(measured angle.Angle) int32 {
	err := measured.DiffMdeg(obs.positionEstimate)
	gain := obs.Settings.FeedbackGainLow
	if intmath.Abs(err) >= obs.Settings.FeedbackGainThreshold {
		gain = obs.Settings.FeedbackGainHigh
	}
	return intmath.BindInt64(int64(err) * int64(gain) / 1000)
}

// Update advances the model by one control period, given the measured angle
// and the actuation that was just applied.
func (obs *Observer) Update(now uint32, measured angle.Angle, actuation dcmotor.Actuation, voltage int32) {
	obs.diff.Push(measured)

	// Feedback voltage snaps the estimate toward the measurement.
	obs.feedbackVoltage = obs.FeedbackVoltage(measured)

	speedEstimate := intmath.BindInt64(obs.speedEstimateMilli / 1000)

	// Electrical torque from the applied voltage minus back EMF, plus the
	// observer feedback. A coasting motor produces no torque, so only the
	// feedback acts on the model.
	var torque int64
	emf := int64(speedEstimate) * int64(obs.Model.BackEmfUV) / 1000
	switch actuation {
	case dcmotor.ActuationCoast:
		torque = int64(obs.feedbackVoltage) * int64(obs.Model.TorquePerMV)
	default:
		torque = (int64(voltage) + int64(obs.feedbackVoltage) - emf) * int64(obs.Model.TorquePerMV)
	}

	// Friction.
	torque -= int64(obs.Model.Damping) * int64(speedEstimate) / 1000
	if intmath.Abs(speedEstimate) > obs.Settings.CoulombFrictionSpeedCutoff {
		torque -= int64(intmath.Sign(speedEstimate)) * int64(obs.Model.TorqueFriction)
	}

	// Integrate one loop period semi-implicitly: speed first, then position
	// from the new speed. This keeps the position-feedback loop from
	// accumulating energy numerically.
	dt := int64(obs.LoopTicks)
	accel := torque * 1000 / int64(obs.Model.Inertia)
	obs.speedEstimateMilli += accel * dt * 1000 / ticksPerSecond
	obs.speedEstimateMilli = clampSpeedMilli(obs.speedEstimateMilli)
	deltaPos := obs.speedEstimateMilli / 1000 * dt / ticksPerSecond
	obs.positionEstimate = obs.positionEstimate.AddMdeg(intmath.BindInt64(deltaPos))

	// Track how long the applied voltage has been fighting a motor that the
	// model says is not moving.
	stallVoltage := obs.Settings.FeedbackVoltageNegligible * obs.Settings.FeedbackVoltageStallRatio / 100
	isStalling := actuation != dcmotor.ActuationCoast &&
		intmath.Abs(obs.feedbackVoltage) >= stallVoltage &&
		intmath.Abs(intmath.BindInt64(obs.speedEstimateMilli/1000)) < obs.Settings.StallSpeedLimit
	if !isStalling {
		obs.stalled = false
	} else if !obs.stalled {
		obs.stalled = true
		obs.stallTimeBegin = now
	}
}

const ticksPerSecond = 1000 * clock.TicksPerMs

func clampSpeedMilli(v int64) int64 {
	const max = int64(4000) * 1000 * 1000
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

// IsStalled reports whether the observer considers the motor stalled, and
// for how long, in ticks.
func (obs *Observer) IsStalled(now uint32) (bool, uint32) {
	if !obs.stalled || !clock.TicksIsAfter(now, obs.stallTimeBegin+obs.Settings.StallTime) {
		return false, 0
	}
	return true, now - obs.stallTimeBegin
}

// GetSpeed returns the differentiated measured speed over the given window
// in milliseconds.
func (obs *Observer) GetSpeed(windowMs uint32) (int32, error) {
	return obs.diff.SpeedWindow(windowMs)
}

// Package integrator implements the two integral-error accumulators used by
// the PID controller: a position integrator for angle-based maneuvers and a
// speed integrator for timed maneuvers. Both support pausing driven by
// wind-up detection, and both derive the stall predicate from how long they
// have been paused.
package integrator

import (
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
)

// Settings are the integrator-related control settings.
type Settings struct {
	// StallSpeedLimit is the speed magnitude below which the motor counts as
	// standing still, in mdeg/s.
	StallSpeedLimit int32
	// StallTime is how long the integrator must be paused before the motor
	// counts as stalled, in ticks.
	StallTime uint32
	// IntegralChangeMax bounds the integral change per update, in mdeg.
	IntegralChangeMax int32
	// IntegralDeadzone is the position error magnitude below which the
	// integral contributes nothing, in mdeg.
	IntegralDeadzone int32
}

// Position accumulates position error over time for angle-based control.
// While paused, the accumulated error is frozen and the reference time
// stands still, so the trajectory does not run away from a stuck motor.
type Position struct {
	settings *Settings

	integral int32

	trajectoryPaused bool
	// TimePauseBegin is when the current pause began. Exported for stall
	// duration reporting.
	TimePauseBegin uint32
	// Total paused time of completed pauses, in ticks.
	pausedTotal uint32
}

// Reset reinitializes the integrator for a new maneuver.
func (itg *Position) Reset(settings *Settings, now uint32) {
	*itg = Position{settings: settings, TimePauseBegin: now}
}

// Pause freezes integration and the reference time.
func (itg *Position) Pause(now uint32) {
	if itg.trajectoryPaused {
		return
	}
	itg.trajectoryPaused = true
	itg.TimePauseBegin = now
}

// Resume continues integration and the reference time.
func (itg *Position) Resume(now uint32) {
	if !itg.trajectoryPaused {
		return
	}
	itg.trajectoryPaused = false
	itg.pausedTotal += now - itg.TimePauseBegin
}

// Paused reports whether integration is currently paused.
func (itg *Position) Paused() bool {
	return itg.trajectoryPaused
}

// RefTime returns the trajectory evaluation time: the wall time minus all
// time spent paused, so the reference curve freezes while the motor is
// stuck.
func (itg *Position) RefTime(now uint32) uint32 {
	ref := now - itg.pausedTotal
	if itg.trajectoryPaused {
		ref -= now - itg.TimePauseBegin
	}
	return ref
}

// Update accumulates the position error and returns the integral value to
// be multiplied by the ki gain.
func (itg *Position) Update(positionError int32) int32 {
	// Inside the deadzone the integral neither grows nor contributes, which
	// avoids hunting around the target.
	if intmath.Abs(positionError) <= itg.settings.IntegralDeadzone {
		return 0
	}
	if !itg.trajectoryPaused {
		itg.integral += intmath.Clamp(positionError, itg.settings.IntegralChangeMax)
	}
	return itg.integral
}

// Stalled reports whether the motor counts as stalled: integration has been
// paused longer than the stall time while the motor is not actually moving
// and the reference is still pushing.
func (itg *Position) Stalled(now uint32, speed, refSpeed int32) bool {
	return stalled(itg.trajectoryPaused, itg.TimePauseBegin, itg.settings, now, speed, refSpeed)
}

// Speed integrates the position error that accumulates while running a
// timed maneuver. The compensated error keeps the effective reference
// consistent with the real position when load slows the motor down.
type Speed struct {
	settings *Settings

	// Running is true while integration is active.
	running bool
	// Integral accumulated over completed pause windows.
	integralPaused int32
	// Position error at the moment integration last resumed.
	errorResumed int32

	// TimePauseBegin is when the current pause began.
	TimePauseBegin uint32
}

// Reset reinitializes the integrator for a new maneuver.
func (itg *Speed) Reset(settings *Settings) {
	*itg = Speed{settings: settings, running: true}
}

// GetError returns the integrator-compensated position error used in the
// proportional term.
func (itg *Speed) GetError(positionError int32) int32 {
	err := itg.integralPaused
	if itg.running {
		err += positionError - itg.errorResumed
	}
	return err
}

// Pause freezes integration at the given position error.
func (itg *Speed) Pause(now uint32, positionError int32) {
	if !itg.running {
		return
	}
	itg.running = false
	itg.integralPaused += positionError - itg.errorResumed
	itg.TimePauseBegin = now
}

// Resume continues integration from the given position error.
func (itg *Speed) Resume(positionError int32) {
	if itg.running {
		return
	}
	itg.running = true
	itg.errorResumed = positionError
}

// Paused reports whether integration is currently paused.
func (itg *Speed) Paused() bool {
	return !itg.running
}

// Stalled reports whether the motor counts as stalled; see Position.Stalled.
func (itg *Speed) Stalled(now uint32, speed, refSpeed int32) bool {
	return stalled(!itg.running, itg.TimePauseBegin, itg.settings, now, speed, refSpeed)
}

func stalled(paused bool, pauseBegin uint32, s *Settings, now uint32, speed, refSpeed int32) bool {
	// Can only stall while the integrator is paused: pausing implies we are
	// at the torque limit and still not keeping up.
	if !paused {
		return false
	}
	// Not stalled if the pause has not lasted long enough yet.
	if !clock.TicksIsAfter(now, pauseBegin+s.StallTime) {
		return false
	}
	// Not stalled if the motor is in fact moving.
	if intmath.Abs(speed) > s.StallSpeedLimit {
		return false
	}
	// Not stalled if the reference is not pushing anywhere.
	return refSpeed != 0
}

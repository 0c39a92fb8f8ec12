// Package dcmotor binds a low-level motor driver (coast or duty cycle) to
// the voltage-level interface used by the servo control loop. It tracks the
// actuation state that the observer needs and notifies an optional parent
// whenever the motor is commanded at this level, so higher-level controllers
// do not fight over the hardware.
package dcmotor

import (
	"fmt"

	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Actuation is the kind of output applied to the motor.
type Actuation int

const (
	// ActuationCoast disconnects the windings so the motor spins freely.
	ActuationCoast Actuation = iota
	// ActuationBrake shorts the windings (zero voltage).
	ActuationBrake
	// ActuationVoltage applies a fixed voltage.
	ActuationVoltage
	// ActuationTorque applies a torque, converted to voltage through the
	// motor model before it reaches the driver.
	ActuationTorque
)

// DutyMax is the duty cycle scale: full scale is one million parts per
// million.
const DutyMax = 1000000

// Driver is the low-level motor driver provided by the platform.
type Driver interface {
	// Coast disconnects the motor windings.
	Coast() error
	// SetDuty applies a signed duty cycle in parts per million.
	SetDuty(ppm int32) error
}

// Parent is a higher-level controller that owns this motor, such as a
// servo. It is stopped whenever the motor is commanded directly, so its
// control loop does not override the new command.
type Parent interface {
	// StopFromChild stops the parent's control of the motor. When
	// clearParent is true the parent should also release any of its own
	// parents.
	StopFromChild(clearParent bool) error
}

// DCMotor is one open-loop motor on a port.
type DCMotor struct {
	driver    Driver
	direction lego.Direction

	// maxVoltage limits commands and scales the duty cycle.
	maxVoltage int32

	actuation Actuation
	voltage   int32

	parent Parent
}

// New wraps a motor driver. The maximum voltage is the lesser of the motor
// rating and what the platform can supply.
func New(driver Driver, maxVoltage int32) *DCMotor {
	return &DCMotor{
		driver:     driver,
		maxVoltage: maxVoltage,
		actuation:  ActuationCoast,
	}
}

// Setup configures the positive direction and coasts the motor, stopping
// any parent controller first.
func (m *DCMotor) Setup(direction lego.Direction) error {
	if err := m.stopParent(true); err != nil {
		return err
	}
	m.direction = direction
	return m.coast()
}

// SetParent registers the controller that owns this motor. A nil parent
// detaches.
func (m *DCMotor) SetParent(p Parent) {
	m.parent = p
}

// HasParent reports whether p currently owns this motor.
func (m *DCMotor) HasParent(p Parent) bool {
	return m.parent != nil && m.parent == p
}

func (m *DCMotor) stopParent(clear bool) error {
	if m.parent == nil {
		return nil
	}
	err := m.parent.StopFromChild(clear)
	if clear {
		m.parent = nil
	}
	return err
}

// MaxVoltage returns the voltage limit for this motor.
func (m *DCMotor) MaxVoltage() int32 {
	return m.maxVoltage
}

// State returns the currently applied actuation and voltage.
func (m *DCMotor) State() (Actuation, int32) {
	return m.actuation, m.voltage
}

// Coast stops any parent controller and lets the motor spin freely. This is
// the user-level entry point; the control loop uses CoastFromControl.
func (m *DCMotor) Coast() error {
	if err := m.stopParent(false); err != nil {
		return err
	}
	return m.coast()
}

// CoastFromControl coasts the motor without notifying the parent. The servo
// control loop uses this so that coasting on completion does not stop the
// servo itself.
func (m *DCMotor) CoastFromControl() error {
	return m.coast()
}

func (m *DCMotor) coast() error {
	if err := m.driver.Coast(); err != nil {
		return fmt.Errorf("coast: %w", err)
	}
	m.actuation = ActuationCoast
	m.voltage = 0
	return nil
}

// SetVoltage applies a voltage, stopping any parent controller first.
func (m *DCMotor) SetVoltage(voltage int32) error {
	if err := m.stopParent(false); err != nil {
		return err
	}
	return m.SetVoltageFromControl(voltage)
}

// SetVoltageFromControl applies a voltage without notifying the parent,
// for use by the control loop that is itself the parent.
func (m *DCMotor) SetVoltageFromControl(voltage int32) error {
	voltage = intmath.Clamp(voltage, m.maxVoltage)
	duty := int64(voltage) * DutyMax / int64(m.maxVoltage)
	if err := m.driver.SetDuty(int32(duty) * m.direction.Sign()); err != nil {
		return fmt.Errorf("set duty: %w", err)
	}
	if voltage == 0 {
		m.actuation = ActuationBrake
	} else {
		m.actuation = ActuationVoltage
	}
	m.voltage = voltage
	return nil
}

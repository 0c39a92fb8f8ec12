package observer

import (
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Model holds the electrical and mechanical constants of a brushed DC motor
// with its gearbox, in the integer units of the control loop: torque in µNm,
// voltage in mV, speed in mdeg/s, acceleration in mdeg/s².
type Model struct {
	// TorquePerMV is the stall torque produced per millivolt applied, in
	// µNm/mV. It folds the winding resistance and torque constant into one
	// linear coefficient.
	TorquePerMV int32
	// BackEmfUV is the back-EMF generated per unit speed, in µV per mdeg/s.
	BackEmfUV int32
	// Inertia is the torque needed per unit of acceleration for the rotor
	// plus gear train, in µNm per deg/s².
	Inertia int32
	// Damping is the viscous friction torque per unit speed, in µNm per
	// deg/s.
	Damping int32
	// TorqueFriction is the coulomb friction torque, in µNm.
	TorqueFriction int32
}

// VoltageToTorque returns the stall torque for an applied voltage.
func (m *Model) VoltageToTorque(voltage int32) int32 {
	return voltage * m.TorquePerMV
}

// TorqueToVoltage returns the voltage needed to produce a stall torque.
func (m *Model) TorqueToVoltage(torque int32) int32 {
	if m.TorquePerMV == 0 {
		return 0
	}
	return torque / m.TorquePerMV
}

// FeedforwardTorque returns the torque needed to track the given reference
// speed and acceleration: accelerate the inertia, overcome coulomb friction
// in the direction of motion, and overcome viscous damping.
func (m *Model) FeedforwardTorque(refSpeed, refAcceleration int32) int32 {
	torque := int64(m.Inertia) * int64(refAcceleration) / 1000
	torque += int64(intmath.Sign(refSpeed)) * int64(m.TorqueFriction)
	torque += int64(m.Damping) * int64(refSpeed) / 1000
	return intmath.BindInt64(torque)
}

// models is the constants table for known motor types. Values are for the
// motor output shaft including the internal gear train.
var models = map[lego.DeviceType]*Model{
	lego.DeviceTypeInteractiveMotor: {
		TorquePerMV:    38,
		BackEmfUV:      5,
		Inertia:        40,
		Damping:        90,
		TorqueFriction: 15000,
	},
	lego.DeviceTypeMoveHubMotor: {
		TorquePerMV:    35,
		BackEmfUV:      4,
		Inertia:        40,
		Damping:        80,
		TorqueFriction: 12000,
	},
	lego.DeviceTypeTechnicLargeMotor: {
		TorquePerMV:    64,
		BackEmfUV:      6,
		Inertia:        80,
		Damping:        150,
		TorqueFriction: 20000,
	},
	lego.DeviceTypeTechnicXLMotor: {
		TorquePerMV:    85,
		BackEmfUV:      6,
		Inertia:        110,
		Damping:        180,
		TorqueFriction: 25000,
	},
	lego.DeviceTypeSPIKEMediumMotor: {
		TorquePerMV:    30,
		BackEmfUV:      7,
		Inertia:        30,
		Damping:        70,
		TorqueFriction: 12000,
	},
	lego.DeviceTypeSPIKELargeMotor: {
		TorquePerMV:    56,
		BackEmfUV:      6,
		Inertia:        70,
		Damping:        140,
		TorqueFriction: 18000,
	},
	lego.DeviceTypeSPIKESmallMotor: {
		TorquePerMV:    20,
		BackEmfUV:      8,
		Inertia:        20,
		Damping:        50,
		TorqueFriction: 9000,
	},
	lego.DeviceTypeTechnicMediumMotor: {
		TorquePerMV:    38,
		BackEmfUV:      6,
		Inertia:        40,
		Damping:        90,
		TorqueFriction: 15000,
	},
	lego.DeviceTypeTechnicHighTorqueMotor: {
		TorquePerMV:    90,
		BackEmfUV:      7,
		Inertia:        120,
		Damping:        200,
		TorqueFriction: 28000,
	},
}

// GetModel returns the motor model for a device type, or nil when the type
// is not a known motor.
func GetModel(id lego.DeviceType) *Model {
	return models[id]
}

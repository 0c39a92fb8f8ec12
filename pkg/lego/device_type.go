package lego

// DeviceType identifies a LEGO UART device by the type id it reports during
// synchronization.
type DeviceType byte

const (
	// DeviceTypeNone means no device, or the type is not yet known.
	DeviceTypeNone DeviceType = 0

	// EV3 sensors.
	DeviceTypeEV3ColorSensor      DeviceType = 29
	DeviceTypeEV3UltrasonicSensor DeviceType = 30
	DeviceTypeEV3GyroSensor       DeviceType = 32
	DeviceTypeEV3IRSensor         DeviceType = 33

	// Powered Up sensors and motors.
	DeviceTypeColorDistanceSensor    DeviceType = 37
	DeviceTypeInteractiveMotor       DeviceType = 38
	DeviceTypeMoveHubMotor           DeviceType = 39
	DeviceTypeTechnicLargeMotor      DeviceType = 46
	DeviceTypeTechnicXLMotor         DeviceType = 47
	DeviceTypeSPIKEMediumMotor       DeviceType = 48
	DeviceTypeSPIKELargeMotor        DeviceType = 49
	DeviceTypeSPIKEColorSensor       DeviceType = 61
	DeviceTypeSPIKEUltrasonicSensor  DeviceType = 62
	DeviceTypeSPIKEForceSensor       DeviceType = 63
	DeviceTypeSPIKESmallMotor        DeviceType = 65
	DeviceTypeTechnicMediumMotor     DeviceType = 75
	DeviceTypeTechnicHighTorqueMotor DeviceType = 76

	// Wildcards used when asserting a type id on a port.

	// DeviceTypeAnyLUMP matches any synchronized LEGO UART device.
	DeviceTypeAnyLUMP DeviceType = 254
	// DeviceTypeAnyEncodedMotor matches any motor that reports an angle.
	DeviceTypeAnyEncodedMotor DeviceType = 255
)

// Valid range of type ids that real devices report on the wire.
const (
	DeviceTypeIDMin = 29  // EV3 color sensor
	DeviceTypeIDMax = 101
)

// Well-known device modes used when selecting a default mode after sync.
const (
	// ModeInteractiveMotorPos is the relative position mode of the
	// interactive motor, reporting whole degrees as int32.
	ModeInteractiveMotorPos = 2
	// ModeAbsoluteMotorCalib is the combined calibrated mode of absolute
	// encoder motors, reporting decidegrees in [0, 3600).
	ModeAbsoluteMotorCalib = 3
	// ModeColorDistanceRGB is the RGB-I mode of the color distance sensor.
	ModeColorDistanceRGB = 6
)

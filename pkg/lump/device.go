package lump

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Status is the connection state of a LEGO UART device.
type Status int

const (
	// StatusErr means something bad happened; the port will re-sync.
	StatusErr Status = iota
	// StatusSyncing means waiting for data that looks like the protocol.
	StatusSyncing
	// StatusInfo means reading device info before changing baud rate.
	StatusInfo
	// StatusAck means the device finished its info and sent ACK.
	StatusAck
	// StatusData means normal operation: commands out, data in.
	StatusData
)

// Mode capability flags sent with the mode name.
const (
	FlagMotorPower      byte = 1 << 0
	FlagMotorSpeed      byte = 1 << 1
	FlagMotorRelPos     byte = 1 << 2
	FlagMotorAbsPos     byte = 1 << 3
	FlagNeedsSupplyPin1 byte = 1 << 4
	FlagNeedsSupplyPin2 byte = 1 << 5
)

// PowerRequirements describes constant power a device needs from the port.
type PowerRequirements int

const (
	// PowerNone means no constant power rail is needed.
	PowerNone PowerRequirements = iota
	// PowerBatteryPin1 asserts battery voltage on pin 1.
	PowerBatteryPin1
	// PowerBatteryPin2 asserts battery voltage on pin 2.
	PowerBatteryPin2
)

// ModeInfo describes one advertised device mode.
type ModeInfo struct {
	Name      string
	NumValues byte
	DataType  DataType
	Writable  bool
}

// Info flag bits tracking which device info has been received while
// syncing.
const (
	infoFlagCmdType uint32 = 1 << iota
	infoFlagCmdModes
	infoFlagCmdSpeed
	infoFlagCmdVersion
	infoFlagInfoName
	infoFlagInfoRaw
	infoFlagInfoPct
	infoFlagInfoSI
	infoFlagInfoUnits
	infoFlagInfoMapping
	infoFlagInfoModeCombos
	infoFlagInfoUnk7
	infoFlagInfoUnk8
	infoFlagInfoUnk9
	infoFlagInfoFormat
	infoFlagInfoUnk11
)

const infoFlagsAllInfo = infoFlagInfoName | infoFlagInfoRaw | infoFlagInfoPct |
	infoFlagInfoSI | infoFlagInfoUnits | infoFlagInfoMapping |
	infoFlagInfoModeCombos | infoFlagInfoUnk7 | infoFlagInfoUnk8 |
	infoFlagInfoUnk9 | infoFlagInfoFormat

const infoFlagsRequired = infoFlagCmdType | infoFlagCmdModes | infoFlagInfoName | infoFlagInfoFormat

// modeSwitch tracks a pending mode change.
type modeSwitch struct {
	desiredMode byte
	requested   bool
	// Time of switch completion (once the mode matches) or of the request,
	// in milliseconds.
	time uint32
}

// dataSet tracks data scheduled to be written to the device.
type dataSet struct {
	data        [MaxDataSize]byte
	size        int
	desiredMode byte
	// Time of the request (while size != 0) or of the completed
	// transmission, in milliseconds.
	time uint32
}

// Device is the protocol state for one LEGO UART device on a port.
//
// The sync, sender, and receiver tasks and the consumers on the control
// tick all touch this state, so it is guarded by a mutex rather than the
// cooperative yield points the protocol was originally designed around.
type Device struct {
	clock  *clock.Clock
	logger *slog.Logger

	mu sync.Mutex

	typeID       lego.DeviceType
	mode         byte
	capabilities byte
	status       Status
	extMode      byte
	newBaudRate  uint32
	errCount     int

	// dataRec notes that good DATA arrived since the last keep-alive.
	dataRec bool

	// angle accumulates the motor shaft angle across encoder wraps.
	angle angle.Angle

	binData [MaxDataSize]byte

	modeSwitch modeSwitch
	dataSet    dataSet

	newMode   byte
	infoFlags uint32
	numModes  byte
	modeInfo  [MaxExtMode + 1]ModeInfo

	// wake nudges the sender task when a mode switch or data set is
	// requested.
	wake chan struct{}

	// SyncMaxRetries bounds how many bad sync attempts are tolerated before
	// the sync task gives up.
	SyncMaxRetries int
}

// NewDevice creates the protocol state for one port.
func NewDevice(clk *clock.Clock, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		clock:          clk,
		logger:         logger,
		status:         StatusErr,
		wake:           make(chan struct{}, 1),
		SyncMaxRetries: 10,
	}
}

func (d *Device) requestPoll() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Status returns the current connection state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// TypeID returns the synchronized device type.
func (d *Device) TypeID() lego.DeviceType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typeID
}

// Mode returns the current device mode.
func (d *Device) Mode() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Device) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// isRelativeMotorLocked reports whether the device is the interactive motor
// in its position mode. Callers hold the lock.
func (d *Device) isRelativeMotorLocked() bool {
	return d.typeID == lego.DeviceTypeInteractiveMotor && d.mode == lego.ModeInteractiveMotorPos
}

// isAbsoluteMotorLocked reports whether the device is an absolute-encoder
// motor in its calibrated mode. Callers hold the lock.
func (d *Device) isAbsoluteMotorLocked() bool {
	return d.capabilities&FlagMotorAbsPos != 0 && d.mode == lego.ModeAbsoluteMotorCalib
}

// handleKnownData updates the accumulated angle from motor position data.
// Callers hold the lock.
func (d *Device) handleKnownData() {

	// Absolute-encoder motors report decidegrees in [0, 3600). The rotation
	// counter advances whenever the reading wraps through zero.
	if d.isAbsoluteMotorLocked() {
		absMdeg := int32(int16(binary.LittleEndian.Uint16(d.binData[2:]))) * 100

		absPrev := d.angle.Millidegrees
		d.angle.Millidegrees = absMdeg

		if absPrev > 270000 && absMdeg < 90000 {
			d.angle.Rotations++
		}
		if absPrev < 90000 && absMdeg > 270000 {
			d.angle.Rotations--
		}
	}

	// The interactive motor reports a running count of whole degrees.
	if d.isRelativeMotorLocked() {
		degrees := int32(binary.LittleEndian.Uint32(d.binData[:]))
		d.angle = angle.FromMdeg(int64(degrees) * 1000)
	}
}

// Angle returns the accumulated motor angle. For getAbsAngle the reading is
// reduced to [-180°, 180°), which only absolute-encoder motors support.
func (d *Device) Angle(getAbsAngle bool) (angle.Angle, error) {
	if err := d.IsReady(); err != nil {
		return angle.Angle{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRelativeMotorLocked() && !d.isAbsoluteMotorLocked() {
		return angle.Angle{}, lego.ErrNoDev
	}

	if getAbsAngle {
		if !d.isAbsoluteMotorLocked() {
			return angle.Angle{}, lego.ErrNotSupported
		}
		a := angle.Angle{Millidegrees: d.angle.Millidegrees}
		if a.Millidegrees >= 180000 {
			a.Millidegrees -= 360000
		}
		return a, nil
	}

	return d.angle, nil
}

// ResetAngleBase shifts the accumulated angle so the device reports the
// given angle from now on, and returns it. Used by the tacho layer.
func (d *Device) ResetAngleBase(target angle.Angle) angle.Angle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.angle = target
	return d.angle
}

// PowerRequirements returns the constant power the device needs.
func (d *Device) PowerRequirements() PowerRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusData {
		return PowerNone
	}
	if d.capabilities&FlagNeedsSupplyPin1 != 0 {
		return PowerBatteryPin1
	}
	if d.capabilities&FlagNeedsSupplyPin2 != 0 {
		return PowerBatteryPin2
	}
	return PowerNone
}

// IsReady reports whether the device can serve reads and writes: nil when
// ready, ErrAgain while busy with a mode switch, stale data, or a recent
// write, and ErrNoDev when no device is synchronized.
func (d *Device) IsReady() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isReadyLocked()
}

func (d *Device) isReadyLocked() error {
	if d.status == StatusErr {
		return lego.ErrNoDev
	}
	if d.status != StatusData {
		return lego.ErrAgain
	}

	now := d.clock.NowMs()

	// Waiting for a mode change to take effect.
	if d.mode != d.modeSwitch.desiredMode {
		return lego.ErrAgain
	}

	// Waiting for stale data from before the mode switch to be discarded.
	if now-d.modeSwitch.time <= staleDataDelayMs(d.typeID, d.mode) {
		return lego.ErrAgain
	}

	// Waiting out a recently written data set.
	if d.dataSet.size > 0 || now-d.dataSet.time <= dataSetDelayMs(d.typeID, d.mode) {
		return lego.ErrAgain
	}

	return nil
}

// SetMode requests a device mode switch. It returns nil right away if the
// mode is already set or being set.
func (d *Device) SetMode(mode byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.modeSwitch.desiredMode == mode || d.mode == mode {
		return nil
	}

	// A switch can only start while idle in data state.
	if err := d.isReadyLocked(); err != nil {
		return err
	}

	if mode >= d.numModes {
		return lego.ErrInvalidArg
	}

	d.requestModeLocked(mode)
	return nil
}

func (d *Device) requestModeLocked(mode byte) {
	d.modeSwitch.desiredMode = mode
	d.modeSwitch.time = d.clock.NowMs()
	d.modeSwitch.requested = true
	d.requestPoll()
}

// AssertTypeID checks that the synchronized device matches the requested
// type and writes back the actual type. DeviceTypeAnyLUMP matches any
// device; DeviceTypeAnyEncodedMotor matches any motor reporting an angle.
func (d *Device) AssertTypeID(typeID *lego.DeviceType) error {
	if err := d.IsReady(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if *typeID == lego.DeviceTypeAnyLUMP {
		*typeID = d.typeID
		return nil
	}

	if *typeID == lego.DeviceTypeAnyEncodedMotor &&
		(d.isRelativeMotorLocked() || d.isAbsoluteMotorLocked()) {
		*typeID = d.typeID
		return nil
	}

	if *typeID != d.typeID {
		return lego.ErrNoDev
	}
	return nil
}

// Data returns a copy of the latest data for the given mode. Little-endian
// layout, 32 bytes.
func (d *Device) Data(mode byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode != d.mode {
		return nil, lego.ErrInvalidOp
	}
	if err := d.isReadyLocked(); err != nil {
		return nil, err
	}

	data := make([]byte, MaxDataSize)
	copy(data, d.binData[:])
	return data, nil
}

// SetModeWithData switches to the given mode if needed and schedules the
// data to be written in it. The size must match the mode's value count and
// data type.
func (d *Device) SetModeWithData(mode byte, data []byte) error {
	d.mu.Lock()
	info := d.modeInfo[mode&0x0F]
	if !info.Writable || len(data) != int(info.NumValues)*info.DataType.Size() {
		d.mu.Unlock()
		return lego.ErrInvalidOp
	}

	if d.modeSwitch.desiredMode != mode && d.mode != mode {
		if err := d.isReadyLocked(); err != nil {
			d.mu.Unlock()
			return err
		}
		if mode >= d.numModes {
			d.mu.Unlock()
			return lego.ErrInvalidArg
		}
		d.requestModeLocked(mode)
	}

	d.dataSet.size = len(data)
	d.dataSet.desiredMode = mode
	d.dataSet.time = d.clock.NowMs()
	copy(d.dataSet.data[:], data)
	d.mu.Unlock()

	d.requestPoll()
	return nil
}

// Info returns the number of modes, the current mode, and the mode info
// table.
func (d *Device) Info() (numModes, currentMode byte, info []ModeInfo, err error) {
	if err := d.IsReady(); err != nil {
		return 0, 0, nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numModes, d.mode, d.modeInfo[:d.numModes], nil
}

// RequestReset forces the device back through synchronization. Some legacy
// sensors only re-calibrate during reset.
func (d *Device) RequestReset() error {
	if err := d.IsReady(); err != nil {
		return err
	}
	// The data tasks notice the error state and exit, after which the port
	// task runs sync again.
	d.setStatus(StatusErr)
	d.requestPoll()
	return nil
}

// staleDataDelayMs is how long after a mode switch the first samples are
// still from the previous mode and must not be served.
func staleDataDelayMs(id lego.DeviceType, mode byte) uint32 {
	switch id {
	case lego.DeviceTypeColorDistanceSensor:
		return 30
	case lego.DeviceTypeSPIKEColorSensor:
		return 30
	case lego.DeviceTypeSPIKEUltrasonicSensor:
		return 50
	default:
		return 0
	}
}

// dataSetDelayMs is how long a written data set needs to take effect before
// the device is ready again.
func dataSetDelayMs(id lego.DeviceType, mode byte) uint32 {
	switch id {
	case lego.DeviceTypeSPIKEUltrasonicSensor:
		return 20
	default:
		return 0
	}
}

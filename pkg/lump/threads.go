package lump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// resetForSync reinitializes every protocol field for a fresh
// synchronization attempt. Buffers and configuration survive.
func (d *Device) resetForSync() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.typeID = lego.DeviceTypeNone
	d.mode = 0
	d.capabilities = 0
	d.status = StatusSyncing
	d.modeSwitch = modeSwitch{}
	d.extMode = 0
	d.newBaudRate = 0
	d.errCount = 0
	d.dataRec = false
	d.angle = angle.Angle{}
	d.binData = [MaxDataSize]byte{}
	d.dataSet = dataSet{}
	d.newMode = 0
	d.infoFlags = 0
	d.numModes = 0
	d.modeInfo = [MaxExtMode + 1]ModeInfo{}
}

// Sync performs the synchronization handshake: probe the standard baud
// rate, fall back to the slow one, scan for a TYPE command, collect the
// INFO messages, acknowledge, and switch to the negotiated baud rate.
// On success the device is in the data state with its default mode
// requested.
func (d *Device) Sync(ctx context.Context, uart UART) error {

	d.resetForSync()

	// Probe with a SPEED command at the standard Powered Up baud rate.
	if err := uart.SetBaudRate(BaudDefault); err != nil {
		return err
	}
	speedMsg, err := EncodeSpeedMsg(BaudDefault)
	if err != nil {
		return err
	}
	_ = uart.Flush()
	if err := uart.Write(speedMsg, ioTimeout); err != nil {
		return fmt.Errorf("speed probe: %w", err)
	}
	_ = uart.Flush()

	// A device already running at the standard rate answers with ACK within
	// one byte time. Anything else means the device is booting its slow
	// sync sequence instead.
	var buf [MaxMsgSize]byte
	err = uart.Read(buf[:1], ackProbeTimeout)
	switch {
	case err == nil && buf[0] != SysAck, errors.Is(err, lego.ErrTimeout):
		if err := uart.SetBaudRate(BaudMin); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("speed probe read: %w", err)
	}

	// Scan the byte stream for a valid TYPE command to get in sync.
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := uart.Read(buf[:1], ioTimeout)
		if errors.Is(err, lego.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sync scan: %w", err)
		}
		if buf[0] != MsgTypeCmd|CmdType {
			continue
		}

		// Candidate header: the device type id and checksum follow.
		if err := uart.Read(buf[1:3], ioTimeout); err != nil {
			return fmt.Errorf("sync type read: %w", err)
		}

		badID := buf[1] < lego.DeviceTypeIDMin || buf[1] > lego.DeviceTypeIDMax
		badChecksum := buf[2] != Checksum(buf[:2])
		if !badID && !badChecksum {
			break
		}

		d.mu.Lock()
		d.errCount++
		exhausted := d.errCount > d.SyncMaxRetries
		if exhausted {
			d.errCount = 0
		}
		d.mu.Unlock()
		if exhausted {
			return fmt.Errorf("sync: %w", lego.ErrFailed)
		}
	}

	d.mu.Lock()
	d.typeID = lego.DeviceType(buf[1])
	d.dataRec = false
	d.status = StatusInfo
	d.infoFlags = infoFlagCmdType
	d.numModes = 1
	d.mu.Unlock()
	d.logger.Debug("device synchronized", "type", buf[1])

	// Collect INFO messages until the device sends ACK.
	for d.Status() == StatusInfo {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := uart.Read(buf[:1], ioTimeout); err != nil {
			return fmt.Errorf("info header: %w", err)
		}
		size := MsgSize(buf[0])
		if size > MaxMsgSize {
			if d.TypeID() == lego.DeviceTypeEV3IRSensor {
				// This sensor sends malformed info messages; let it pass.
				continue
			}
			return fmt.Errorf("info size: %w", lego.ErrFailed)
		}
		if size > 1 {
			if err := uart.Read(buf[1:size], ioTimeout); err != nil {
				return fmt.Errorf("info body: %w", err)
			}
		}
		d.parseMessage(buf[:size])
	}

	if d.Status() != StatusAck {
		return fmt.Errorf("info did not complete: %w", lego.ErrFailed)
	}

	// Acknowledge, give the device time to switch, then change our baud
	// rate to match.
	if err := uart.Write([]byte{SysAck}, ioTimeout); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	d.clock.Sleep(baudSettleDelay)

	d.mu.Lock()
	baud := d.newBaudRate
	d.mu.Unlock()
	if err := uart.SetBaudRate(baud); err != nil {
		return err
	}

	// Put motors and the color distance sensor in their preferred default
	// modes right away.
	d.mu.Lock()
	var defaultMode byte
	switch {
	case d.capabilities&FlagMotorAbsPos != 0:
		defaultMode = lego.ModeAbsoluteMotorCalib
	case d.typeID == lego.DeviceTypeInteractiveMotor:
		defaultMode = lego.ModeInteractiveMotorPos
	case d.typeID == lego.DeviceTypeColorDistanceSensor:
		defaultMode = lego.ModeColorDistanceRGB
	}
	if defaultMode != 0 {
		d.requestModeLocked(defaultMode)
	}

	d.dataSet.time = d.clock.NowMs() - 1000 // i.e. no recent data set
	d.dataSet.size = 0
	d.status = StatusData
	d.mu.Unlock()

	d.logger.Debug("device ready", "type", d.TypeID(), "baud", baud)
	return nil
}

// SendLoop runs the sender side of the data state: the keep-alive watchdog,
// mode select commands, and scheduled data writes. It returns when the
// device leaves the data state or an I/O error occurs.
func (d *Device) SendLoop(ctx context.Context, uart UART) error {
	if d.Status() != StatusData {
		return lego.ErrInvalidOp
	}

	// Some devices need the NACK keep-alive before sending anything, so the
	// first deadline comes up immediately. No data is expected by then.
	first := true
	timer := d.clock.Timer(time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			d.mu.Lock()
			received := d.dataRec
			d.dataRec = false
			d.mu.Unlock()

			if !received && !first {
				// The device went quiet for a whole keep-alive window: it
				// is gone or wedged.
				d.setStatus(StatusErr)
				return fmt.Errorf("keep-alive: %w", lego.ErrTimeout)
			}
			first = false

			if err := uart.Write([]byte{SysNack}, ioTimeout); err != nil {
				return fmt.Errorf("keep-alive: %w", err)
			}
			timer.Reset(keepAliveTimeout)

		case <-d.wake:
		}

		if d.Status() != StatusData {
			return lego.ErrFailed
		}

		// Send a pending mode select.
		d.mu.Lock()
		requested := d.modeSwitch.requested
		desired := d.modeSwitch.desiredMode
		if requested {
			d.modeSwitch.requested = false
		}
		d.mu.Unlock()
		if requested {
			msg, err := EncodeMsg(MsgTypeCmd, CmdSelect, []byte{desired})
			if err != nil {
				return err
			}
			if err := uart.Write(msg, ioTimeout); err != nil {
				return fmt.Errorf("mode select: %w", err)
			}
		}

		// Send pending data once the device is in the right mode.
		d.mu.Lock()
		pending := d.dataSet.size
		dataMode := d.dataSet.desiredMode
		var payload []byte
		age := d.clock.NowMs() - d.dataSet.time
		if pending > 0 && d.mode == dataMode {
			payload = append(payload, d.dataSet.data[:pending]...)
			d.dataSet.size = 0
			d.dataSet.time = d.clock.NowMs()
		}
		d.mu.Unlock()

		switch {
		case payload != nil:
			msg, err := EncodeDataMsg(dataMode, payload)
			if err != nil {
				return err
			}
			if err := uart.Write(msg, ioTimeout); err != nil {
				return fmt.Errorf("data set: %w", err)
			}
			d.mu.Lock()
			d.dataSet.time = d.clock.NowMs()
			d.mu.Unlock()
		case pending > 0 && age < dataSetGiveUpMs:
			// Not in the right mode yet; check again shortly.
			d.clock.Sleep(time.Millisecond)
			d.requestPoll()
		case pending > 0:
			// The mode switch never happened; give up on this write.
			d.mu.Lock()
			d.dataSet.size = 0
			d.mu.Unlock()
		}
	}
}

// ReceiveLoop runs the receiver side of the data state: it reads messages,
// validates them, and feeds them to the parser. It returns when the device
// leaves the data state or an I/O error occurs.
func (d *Device) ReceiveLoop(ctx context.Context, uart UART) error {
	if d.Status() != StatusData {
		return lego.ErrInvalidOp
	}

	buf := make([]byte, MaxMsgSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Status() != StatusData {
			return lego.ErrFailed
		}

		if err := uart.Read(buf[:1], ioTimeout); err != nil {
			return fmt.Errorf("data header: %w", err)
		}

		// A device announcing reset goes straight back to sync.
		if buf[0] == MsgTypeSys|SysEsc {
			d.setStatus(StatusErr)
			return fmt.Errorf("reset indication: %w", lego.ErrFailed)
		}

		size := MsgSize(buf[0])
		if size < 3 || size > MaxMsgSize {
			continue
		}

		msgType := buf[0] & MsgTypeMask
		cmd := buf[0] & MsgCmdMask
		if msgType != MsgTypeData &&
			(msgType != MsgTypeCmd || (cmd != CmdWrite && cmd != CmdExtMode)) {
			continue
		}

		if err := uart.Read(buf[1:size], ioTimeout); err != nil {
			return fmt.Errorf("data body: %w", err)
		}

		d.parseMessage(buf[:size])
	}
}

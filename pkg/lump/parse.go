package lump

import (
	"encoding/binary"

	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

func testAndSet(flags *uint32, bit uint32) bool {
	was := *flags&bit != 0
	*flags |= bit
	return was
}

// parseMessage dispatches one complete received message. Protocol
// violations put the device in the error state, which makes the data tasks
// exit and the port re-sync.
func (d *Device) parseMessage(msg []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	header := msg[0]
	msgType := header & MsgTypeMask
	cmd := header & MsgCmdMask
	msgSize := MsgSize(header)
	mode := cmd
	var cmd2 byte
	if len(msg) > 1 {
		cmd2 = msg[1]
	}

	// The EV3 spec allowed 8 modes in the 3-bit header field. Powered Up
	// extends this with a flag on INFO commands, or with a separate
	// EXT_MODE command preceding other messages.
	if msgType == MsgTypeInfo && cmd2&InfoModePlus8 != 0 {
		mode += 8
		cmd2 &^= InfoModePlus8
	} else {
		mode += d.extMode
	}

	if msgSize > 1 {
		if Checksum(msg[:msgSize-1]) != msg[msgSize-1] {
			if d.status == StatusData {
				// Once INFO is done and data is flowing, an occasional bad
				// checksum is survivable. The EV3 color sensor even sends
				// systematically bad checksums for RGB-RAW data (mode 4),
				// so that one is let through entirely.
				if d.typeID != lego.DeviceTypeEV3ColorSensor ||
					header != MsgTypeData|MsgSize8|4 {
					return
				}
			} else {
				d.logger.Debug("bad checksum during info", "header", header)
				d.status = StatusErr
				return
			}
		}
	}

	switch msgType {
	case MsgTypeSys:
		if cmd == SysAck {
			if d.numModes == 0 {
				d.logger.Debug("ack before mode info")
				d.status = StatusErr
				return
			}
			if d.infoFlags&infoFlagsRequired != infoFlagsRequired {
				d.logger.Debug("missing required info")
				d.status = StatusErr
				return
			}
			d.mode = d.newMode
			d.status = StatusAck
		}

	case MsgTypeCmd:
		switch cmd {
		case CmdModes:
			if testAndSet(&d.infoFlags, infoFlagCmdModes) {
				d.status = StatusErr
				return
			}
			if cmd2 > MaxMode {
				d.status = StatusErr
				return
			}
			d.numModes = cmd2 + 1
			if msgSize > 5 {
				// Powered Up devices send an extended modes message that
				// includes modes above the 3-bit limit.
				d.numModes = msg[3] + 1
			}
		case CmdSpeed:
			if testAndSet(&d.infoFlags, infoFlagCmdSpeed) || msgSize < 6 {
				d.status = StatusErr
				return
			}
			baud := binary.LittleEndian.Uint32(msg[1:])
			if baud < BaudMin || baud > BaudMax {
				d.logger.Debug("baud rate out of range", "baud", baud)
				d.status = StatusErr
				return
			}
			d.newBaudRate = baud
		case CmdWrite:
			// Nothing to do with device-initiated writes.
		case CmdExtMode:
			d.extMode = msg[1]
		case CmdVersion:
			if testAndSet(&d.infoFlags, infoFlagCmdVersion) {
				d.status = StatusErr
				return
			}
		default:
			d.logger.Debug("unknown command", "cmd", cmd)
			d.status = StatusErr
			return
		}

	case MsgTypeInfo:
		d.parseInfoLocked(cmd2, mode, msg, msgSize)

	case MsgTypeData:
		if d.status != StatusData {
			d.logger.Debug("data before info complete")
			d.status = StatusErr
			return
		}
		if mode >= d.numModes {
			d.logger.Debug("data for invalid mode", "mode", mode)
			d.status = StatusErr
			return
		}

		if mode == d.modeSwitch.desiredMode {
			copy(d.binData[:], msg[1:msgSize-1])
			if d.mode != mode {
				// First data in the new mode: the switch completed now.
				d.modeSwitch.time = d.clock.NowMs()
			}
		}
		d.mode = mode
		d.handleKnownData()
		d.dataRec = true
	}
}

func (d *Device) parseInfoLocked(cmd2, mode byte, msg []byte, msgSize int) {
	if int(mode) >= len(d.modeInfo) {
		d.status = StatusErr
		return
	}

	switch cmd2 {
	case InfoName:
		if msg[2] < 'A' || msg[2] > 'z' {
			d.logger.Debug("invalid name info")
			d.status = StatusErr
			return
		}
		// The name may lack a terminator; it runs to the first NUL or the
		// checksum, whichever comes first.
		name := msg[2 : msgSize-1]
		for i, b := range name {
			if b == 0 {
				name = name[:i]
				break
			}
		}
		if len(name) > MaxNameSize {
			d.logger.Debug("name too long")
			d.status = StatusErr
			return
		}

		// A name message starts a new mode: earlier per-mode flags no
		// longer apply.
		d.infoFlags &^= infoFlagsAllInfo
		d.newMode = mode
		d.infoFlags |= infoFlagInfoName
		d.modeInfo[mode].Name = string(name)

		// Newer devices append six capability flag bytes after a short
		// name; only the first is used in practice.
		if len(name) <= MaxShortNameSize && msgSize > MaxNameSize {
			d.capabilities |= msg[8]
		}

	case InfoRaw, InfoPct, InfoSI, InfoUnits:
		// Value scaling info is not used.

	case InfoMapping:
		if d.newMode != mode || testAndSet(&d.infoFlags, infoFlagInfoMapping) {
			d.status = StatusErr
			return
		}
		// The mode supports writing if the output mapping is nonzero.
		d.modeInfo[mode].Writable = msg[3] != 0

	case InfoModeCombos:
		if d.newMode != mode || testAndSet(&d.infoFlags, infoFlagInfoModeCombos) {
			d.status = StatusErr
			return
		}

	case InfoUnk9:
		if d.newMode != mode || testAndSet(&d.infoFlags, infoFlagInfoUnk9) {
			d.status = StatusErr
			return
		}

	case InfoUnk11:
		if d.newMode != mode || testAndSet(&d.infoFlags, infoFlagInfoUnk11) {
			d.status = StatusErr
			return
		}

	case InfoFormat:
		if d.newMode != mode || testAndSet(&d.infoFlags, infoFlagInfoFormat) {
			d.status = StatusErr
			return
		}
		if msgSize < 7 {
			d.status = StatusErr
			return
		}
		d.modeInfo[mode].NumValues = msg[2]
		if d.modeInfo[mode].NumValues == 0 {
			d.status = StatusErr
			return
		}
		if d.infoFlags&infoFlagsRequired != infoFlagsRequired {
			d.logger.Debug("missing required info at format")
			d.status = StatusErr
			return
		}
		d.modeInfo[mode].DataType = DataType(msg[3])
		// Format closes out a mode; info for the next lower mode follows.
		if d.newMode > 0 {
			d.newMode--
		}
	}
}

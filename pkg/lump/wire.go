// Package lump implements the LEGO UART Messaging Protocol spoken by
// Powered Up and EV3 smart devices: message framing with XOR checksums, the
// auto-synchronizing handshake, mode switching, data exchange, and the
// keep-alive watchdog.
package lump

import (
	"encoding/binary"

	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Message type field, bits 7-6 of the header byte.
const (
	MsgTypeSys  byte = 0x00
	MsgTypeCmd  byte = 0x40
	MsgTypeInfo byte = 0x80
	MsgTypeData byte = 0xC0

	MsgTypeMask byte = 0xC0
)

// Message size field, bits 5-3 of the header byte. The encoded value n
// stands for a payload of 1<<n bytes.
const (
	MsgSize1  byte = 0x00
	MsgSize2  byte = 0x08
	MsgSize4  byte = 0x10
	MsgSize8  byte = 0x18
	MsgSize16 byte = 0x20
	MsgSize32 byte = 0x28

	MsgSizeMask byte = 0x38
)

// Command field, bits 2-0 of the header byte. For DATA messages this is the
// mode instead.
const (
	MsgCmdMask byte = 0x07

	CmdType    byte = 0x00
	CmdModes   byte = 0x01
	CmdSpeed   byte = 0x02
	CmdSelect  byte = 0x03
	CmdWrite   byte = 0x04
	CmdExtMode byte = 0x06
	CmdVersion byte = 0x07
)

// System messages are single bytes with the SYS type and no checksum.
const (
	SysSync byte = 0x00
	SysNack byte = 0x02
	SysAck  byte = 0x04
	// SysEsc is sent by some devices to indicate they are about to reset.
	SysEsc byte = 0x06
)

// INFO message sub-commands, carried in the byte after the header.
const (
	InfoName       byte = 0x00
	InfoRaw        byte = 0x01
	InfoPct        byte = 0x02
	InfoSI         byte = 0x03
	InfoUnits      byte = 0x04
	InfoMapping    byte = 0x05
	InfoModeCombos byte = 0x06
	InfoUnk7       byte = 0x07
	InfoUnk8       byte = 0x08
	InfoUnk9       byte = 0x09
	InfoUnk11      byte = 0x0B
	InfoFormat     byte = 0x80

	// InfoModePlus8 on the INFO sub-command extends the 3-bit mode number
	// by 8, for devices with more than 8 modes.
	InfoModePlus8 byte = 0x20
)

// DataType describes the values in a mode's DATA messages.
type DataType byte

const (
	DataTypeData8  DataType = 0
	DataTypeData16 DataType = 1
	DataTypeData32 DataType = 2
	DataTypeFloat  DataType = 3
)

// Size returns the size of one value of this type in bytes, or 0 for an
// invalid type.
func (t DataType) Size() int {
	switch t {
	case DataTypeData8:
		return 1
	case DataTypeData16:
		return 2
	case DataTypeData32, DataTypeFloat:
		return 4
	}
	return 0
}

// Protocol limits.
const (
	// MaxMode is the highest mode number addressable in the header; higher
	// modes need the ext-mode mechanism.
	MaxMode = 7
	// MaxExtMode is the highest mode number overall.
	MaxExtMode = 15

	// MaxDataSize is the largest payload of one message.
	MaxDataSize = 32
	// MaxMsgSize is the largest total message: payload, header, checksum,
	// and the extra INFO command byte.
	MaxMsgSize = MaxDataSize + 3

	MaxNameSize      = 11
	MaxShortNameSize = 5
)

// Baud rates.
const (
	BaudMin     = 2400
	BaudDefault = 115200
	BaudMax     = 460800
)

// MsgSize returns the total size in bytes of a message with the given
// header: payload plus header and checksum, plus the extra command byte for
// INFO messages. SYS messages are a single byte.
func MsgSize(header byte) int {
	if header&MsgTypeMask == MsgTypeSys {
		return 1
	}
	size := 1 << ((header & MsgSizeMask) >> 3)
	size += 2
	if header&MsgTypeMask == MsgTypeInfo {
		size++
	}
	return size
}

// Checksum returns the protocol checksum of a frame: 0xFF XORed with every
// byte before the checksum position.
func Checksum(frame []byte) byte {
	c := byte(0xFF)
	for _, b := range frame {
		c ^= b
	}
	return c
}

// encodeHeader assembles a header byte.
func encodeHeader(msgType, size, cmd byte) byte {
	return (msgType & MsgTypeMask) | (size & MsgSizeMask) | (cmd & MsgCmdMask)
}

// sizeClass returns the size field and padded payload length for a payload
// of n bytes.
func sizeClass(n int) (byte, int, error) {
	switch {
	case n == 1:
		return MsgSize1, 1, nil
	case n == 2:
		return MsgSize2, 2, nil
	case n <= 4:
		return MsgSize4, 4, nil
	case n <= 8:
		return MsgSize8, 8, nil
	case n <= 16:
		return MsgSize16, 16, nil
	case n <= MaxDataSize:
		return MsgSize32, MaxDataSize, nil
	default:
		return 0, 0, lego.ErrInvalidArg
	}
}

// EncodeMsg frames a CMD or DATA message: header, zero-padded payload, and
// checksum. For DATA messages the cmd argument is the mode.
func EncodeMsg(msgType, cmd byte, payload []byte) ([]byte, error) {
	size, padded, err := sizeClass(len(payload))
	if err != nil {
		return nil, err
	}

	frame := make([]byte, padded+2)
	frame[0] = encodeHeader(msgType, size, cmd)
	copy(frame[1:], payload)
	frame[len(frame)-1] = Checksum(frame[:len(frame)-1])
	return frame, nil
}

// EncodeDataMsg frames a DATA message for the given mode, prefixed by the
// CMD_EXT_MODE frame that carries the upper part of the mode number. Only
// Powered Up devices accept written data, and they always expect the
// prefix.
func EncodeDataMsg(mode byte, payload []byte) ([]byte, error) {
	extMode := byte(0)
	if mode > MaxMode {
		extMode = 8
	}
	prefix, err := EncodeMsg(MsgTypeCmd, CmdExtMode, []byte{extMode})
	if err != nil {
		return nil, err
	}
	data, err := EncodeMsg(MsgTypeData, mode&MsgCmdMask, payload)
	if err != nil {
		return nil, err
	}
	return append(prefix, data...), nil
}

// EncodeSpeedMsg frames the CMD_SPEED message announcing a baud rate.
func EncodeSpeedMsg(baud uint32) ([]byte, error) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], baud)
	return EncodeMsg(MsgTypeCmd, CmdSpeed, payload[:])
}

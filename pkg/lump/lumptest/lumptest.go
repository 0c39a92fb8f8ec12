// Package lumptest provides an in-memory UART with a scripted LEGO UART
// device behind it, for exercising the protocol state machine and the port
// lifecycle without hardware.
package lumptest

import (
	"fmt"
	"sync"
	"time"

	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/lump"
)

// UART is an in-memory byte pipe implementing lump.UART. The test side
// queues device-to-host bytes with Feed and inspects host-to-device writes
// with Written, or reacts to them through OnWrite.
type UART struct {
	mu sync.Mutex

	rx []byte
	// rxReady is signalled whenever bytes are fed.
	rxReady chan struct{}

	written   [][]byte
	baudLog   []uint32
	baud      uint32
	flushed   int
	onWrite   func(frame []byte)
	onSetBaud func(baud uint32)
}

// NewUART creates an idle pipe.
func NewUART() *UART {
	return &UART{rxReady: make(chan struct{}, 1)}
}

// OnWrite installs a callback invoked (without locks held) for every frame
// the host writes. The scripted device lives here.
func (u *UART) OnWrite(fn func(frame []byte)) {
	u.mu.Lock()
	u.onWrite = fn
	u.mu.Unlock()
}

// OnSetBaud installs a callback for baud changes.
func (u *UART) OnSetBaud(fn func(baud uint32)) {
	u.mu.Lock()
	u.onSetBaud = fn
	u.mu.Unlock()
}

// Feed queues bytes for the host to read.
func (u *UART) Feed(b []byte) {
	u.mu.Lock()
	u.rx = append(u.rx, b...)
	u.mu.Unlock()
	select {
	case u.rxReady <- struct{}{}:
	default:
	}
}

// Written returns all frames written by the host so far.
func (u *UART) Written() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.written))
	copy(out, u.written)
	return out
}

// WroteByte reports whether the host ever wrote a frame starting with b.
func (u *UART) WroteByte(b byte) bool {
	for _, frame := range u.Written() {
		if len(frame) > 0 && frame[0] == b {
			return true
		}
	}
	return false
}

// Baud returns the current baud rate.
func (u *UART) Baud() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.baud
}

// BaudLog returns every baud rate that was set, in order.
func (u *UART) BaudLog() []uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]uint32, len(u.baudLog))
	copy(out, u.baudLog)
	return out
}

// SetBaudRate implements lump.UART.
func (u *UART) SetBaudRate(baud uint32) error {
	u.mu.Lock()
	u.baud = baud
	u.baudLog = append(u.baudLog, baud)
	fn := u.onSetBaud
	u.mu.Unlock()
	if fn != nil {
		fn(baud)
	}
	return nil
}

// Read implements lump.UART.
func (u *UART) Read(p []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	read := 0
	for read < len(p) {
		u.mu.Lock()
		n := copy(p[read:], u.rx)
		u.rx = u.rx[n:]
		u.mu.Unlock()
		read += n
		if read == len(p) {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("lumptest read: %w", lego.ErrTimeout)
		}
		select {
		case <-u.rxReady:
		case <-time.After(remaining):
			return fmt.Errorf("lumptest read: %w", lego.ErrTimeout)
		}
	}
	return nil
}

// Write implements lump.UART.
func (u *UART) Write(p []byte, timeout time.Duration) error {
	frame := make([]byte, len(p))
	copy(frame, p)
	u.mu.Lock()
	u.written = append(u.written, frame)
	fn := u.onWrite
	u.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
	return nil
}

// Flush implements lump.UART.
func (u *UART) Flush() error {
	u.mu.Lock()
	u.rx = nil
	u.flushed++
	u.mu.Unlock()
	return nil
}

// InfoMsg frames an INFO message: header, sub-command, padded payload,
// checksum.
func InfoMsg(mode, cmd2 byte, payload []byte) []byte {
	size, padded := sizeClass(len(payload))
	frame := make([]byte, padded+3)
	frame[0] = 0x80 | size | (mode & 0x07)
	frame[1] = cmd2
	copy(frame[2:], payload)
	frame[len(frame)-1] = lump.Checksum(frame[:len(frame)-1])
	return frame
}

// CmdMsg frames a CMD message.
func CmdMsg(cmd byte, payload []byte) []byte {
	size, padded := sizeClass(len(payload))
	frame := make([]byte, padded+2)
	frame[0] = 0x40 | size | (cmd & 0x07)
	copy(frame[1:], payload)
	frame[len(frame)-1] = lump.Checksum(frame[:len(frame)-1])
	return frame
}

// DataMsg frames a DATA message for a mode.
func DataMsg(mode byte, payload []byte) []byte {
	size, padded := sizeClass(len(payload))
	frame := make([]byte, padded+2)
	frame[0] = 0xC0 | size | (mode & 0x07)
	copy(frame[1:], payload)
	frame[len(frame)-1] = lump.Checksum(frame[:len(frame)-1])
	return frame
}

func sizeClass(n int) (byte, int) {
	switch {
	case n <= 1:
		return 0x00, 1
	case n == 2:
		return 0x08, 2
	case n <= 4:
		return 0x10, 4
	case n <= 8:
		return 0x18, 8
	case n <= 16:
		return 0x20, 16
	default:
		return 0x28, 32
	}
}

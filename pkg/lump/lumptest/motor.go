package lumptest

import (
	"encoding/binary"
	"sync"

	"github.com/bezineb5/go-lego-motion/pkg/lump"
)

// Motor scripts an absolute-encoder motor behind a UART: it answers the
// synchronization sequence at the slow baud rate, then serves position data
// in response to keep-alive NACKs and follows SELECT commands.
type Motor struct {
	u *UART

	mu sync.Mutex
	// TypeID reported during sync.
	TypeID byte
	// Capabilities flag byte sent with the mode zero name.
	Capabilities byte

	pos    int16 // decidegrees
	mode   byte
	silent bool
	baud   uint32

	state motorState
}

type motorState int

const (
	motorIdle motorState = iota
	motorAnnounced
	motorAcked
	motorRunning
)

// NewMotor attaches a scripted motor to the pipe. The defaults model a
// Technic medium angular motor: type id 75, absolute encoder, battery
// power on pin 2.
func NewMotor(u *UART) *Motor {
	m := &Motor{
		u:            u,
		TypeID:       75,
		Capabilities: 0x08 | 0x20, // absolute encoder, supply on pin 2
		mode:         3,
	}
	u.OnSetBaud(m.handleBaud)
	u.OnWrite(m.handleWrite)
	return m
}

// SetPos moves the simulated shaft, in decidegrees.
func (m *Motor) SetPos(pos int16) {
	m.mu.Lock()
	m.pos = pos
	m.mu.Unlock()
}

// Stop makes the motor fall silent, as if unplugged.
func (m *Motor) Stop() {
	m.mu.Lock()
	m.silent = true
	m.mu.Unlock()
}

// Restart brings a stopped motor back, as if plugged in again: if the host
// is already listening at the sync baud rate, the motor announces itself
// right away.
func (m *Motor) Restart() {
	m.mu.Lock()
	m.silent = false
	announce := m.baud == lump.BaudMin
	if announce {
		m.state = motorAnnounced
		m.mode = 3
	}
	m.mu.Unlock()
	if announce {
		m.announce()
	}
}

// Mode returns the currently selected mode.
func (m *Motor) Mode() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Motor) handleBaud(baud uint32) {
	m.mu.Lock()
	m.baud = baud
	if m.silent {
		m.mu.Unlock()
		return
	}
	switch {
	case baud == lump.BaudMin:
		m.state = motorAnnounced
		m.mode = 3
		m.mu.Unlock()
		m.announce()
		return
	case baud == lump.BaudDefault && m.state == motorAcked:
		m.state = motorRunning
		m.mu.Unlock()
		m.feedData()
		return
	default:
		// A fresh probe at the default rate restarts the handshake.
		m.state = motorIdle
	}
	m.mu.Unlock()
}

func (m *Motor) handleWrite(frame []byte) {
	m.mu.Lock()
	if m.silent || len(frame) == 0 {
		m.mu.Unlock()
		return
	}

	switch {
	case len(frame) == 1 && frame[0] == 0x04: // SYS ACK
		if m.state == motorAnnounced {
			m.state = motorAcked
		}
		m.mu.Unlock()
	case len(frame) == 1 && frame[0] == 0x02: // SYS NACK keep-alive
		running := m.state == motorRunning
		m.mu.Unlock()
		if running {
			m.feedData()
		}
	case frame[0]&0xC7 == 0x43: // CMD SELECT
		m.mode = frame[1]
		running := m.state == motorRunning
		m.mu.Unlock()
		if running {
			m.feedData()
		}
	default:
		m.mu.Unlock()
	}
}

// announce sends the synchronization sequence: type, mode count, baud rate,
// mode info, and the closing ACK.
func (m *Motor) announce() {
	m.u.Feed(CmdMsg(0x00, []byte{m.TypeID})) // TYPE

	m.u.Feed(CmdMsg(0x01, []byte{5})) // MODES: six modes

	var baud [4]byte
	binary.LittleEndian.PutUint32(baud[:], lump.BaudDefault)
	m.u.Feed(CmdMsg(0x02, baud[:])) // SPEED

	// Mode 0 name with the capability flag bytes.
	name := make([]byte, 16)
	copy(name, "CALIB")
	name[6] = m.Capabilities
	m.u.Feed(InfoMsg(0, 0x00, name))

	// Mode 0 format: three int16 values.
	m.u.Feed(InfoMsg(0, 0x80, []byte{3, 1, 4, 0}))

	m.u.Feed([]byte{0x04}) // SYS ACK
}

// feedData sends one DATA frame in the current mode carrying the shaft
// position.
func (m *Motor) feedData() {
	m.mu.Lock()
	mode := m.mode
	pos := m.pos
	m.mu.Unlock()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[2:], uint16(pos))
	m.u.Feed(DataMsg(mode, payload))
}

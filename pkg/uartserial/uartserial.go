// Package uartserial adapts a serial port to the UART interface the LUMP
// protocol needs: reconfigurable baud rate and fully-transferred reads and
// writes with deadlines.
package uartserial

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Port wraps one serial device.
type Port struct {
	port serial.Port
	path string
}

// Open opens a serial port at the standard Powered Up baud rate.
func Open(path string) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return &Port{port: p, path: path}, nil
}

// AvailablePorts returns the serial ports present on the system.
func AvailablePorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports list: %w", err)
	}
	return ports, nil
}

// SetBaudRate reconfigures the line speed.
func (p *Port) SetBaudRate(baud uint32) error {
	mode := &serial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("set baud rate %d: %w", baud, err)
	}
	return nil
}

// Read fills buf completely within the timeout.
func (p *Port) Read(buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	for read := 0; read < len(buf); {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("read %s: %w", p.path, lego.ErrTimeout)
		}
		n, err := p.port.Read(buf[read:])
		if err != nil {
			return fmt.Errorf("read %s: %w: %v", p.path, lego.ErrIO, err)
		}
		if n == 0 {
			// The driver timed out with nothing to deliver.
			return fmt.Errorf("read %s: %w", p.path, lego.ErrTimeout)
		}
		read += n
	}
	return nil
}

// Write sends all of buf within the timeout.
func (p *Port) Write(buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for written := 0; written < len(buf); {
		if time.Now().After(deadline) {
			return fmt.Errorf("write %s: %w", p.path, lego.ErrTimeout)
		}
		n, err := p.port.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("write %s: %w: %v", p.path, lego.ErrIO, err)
		}
		written += n
	}
	return nil
}

// Flush discards unread input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// Close releases the serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

package servo

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Registry owns the servos of all motor ports, keyed by port index, and
// runs their control updates. Servos register themselves by a successful
// Setup and deregister on update errors; the registry slot itself lives for
// the life of the program.
type Registry struct {
	clock  *clock.Clock
	logger *slog.Logger
	servos []*Servo
}

// NewRegistry creates a registry with a fixed number of port slots.
func NewRegistry(numPorts int, clk *clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:  clk,
		logger: logger,
		servos: make([]*Servo, numPorts),
	}
}

// Attach places a servo in a port slot.
func (r *Registry) Attach(port int, s *Servo) error {
	if port < 0 || port >= len(r.servos) {
		return lego.ErrInvalidArg
	}
	r.servos[port] = s
	return nil
}

// Servo returns the servo attached to a port.
func (r *Registry) Servo(port int) (*Servo, error) {
	if port < 0 || port >= len(r.servos) {
		return nil, lego.ErrInvalidArg
	}
	if r.servos[port] == nil {
		return nil, lego.ErrNoDev
	}
	return r.servos[port], nil
}

// UpdateAll runs one control tick over all registered servos, in port
// order. A servo whose update fails is coasted, reset, and deregistered
// from further updates until Setup is called again.
func (r *Registry) UpdateAll() {
	for port, s := range r.servos {
		if s == nil || !s.runUpdateLoop {
			continue
		}
		if err := s.update(); err != nil {
			s.runUpdateLoop = false

			// Coast the motor, letting errors pass: the device may be gone
			// entirely.
			_ = s.dcmotor.CoastFromControl()

			s.control.Reset()

			// Stop higher level controls, such as drive bases.
			_ = s.stopParent(false)

			r.logger.Warn("servo update failed, deregistered", "port", port, "error", err)
		}
	}
}

// Run drives UpdateAll at the control loop period until the context is
// canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(LoopTimeMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.UpdateAll()
		}
	}
}

// CloseAll coasts every registered servo and stops their control, combining
// any errors.
func (r *Registry) CloseAll() error {
	var err error
	for _, s := range r.servos {
		if s == nil {
			continue
		}
		s.runUpdateLoop = false
		s.control.Reset()
		err = multierr.Append(err, s.dcmotor.CoastFromControl())
	}
	return err
}

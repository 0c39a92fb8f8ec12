package port

import (
	"errors"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// Tacho adapts the angle reported by the port's LEGO UART device to the
// angle source the servo needs: it applies the configured positive
// direction and a resettable base offset.
type Tacho struct {
	port      *Port
	direction lego.Direction
	base      angle.Angle
}

// Tacho returns the angle source for the motor on this port.
func (p *Port) Tacho() *Tacho {
	return &Tacho{port: p}
}

// Setup configures the positive direction and optionally resets the angle:
// to the absolute marker for motors that have one, to zero otherwise.
func (t *Tacho) Setup(direction lego.Direction, resetAngle bool) error {
	t.direction = direction
	t.base = angle.Angle{}
	if !resetAngle {
		return nil
	}
	if _, err := t.ResetAngle(angle.Angle{}, true); err != nil {
		if errors.Is(err, lego.ErrNotSupported) {
			_, err = t.ResetAngle(angle.Angle{}, false)
			return err
		}
		return err
	}
	return nil
}

// raw returns the accumulated device angle with the direction applied.
func (t *Tacho) raw() (angle.Angle, error) {
	a, err := t.port.device.Angle(false)
	if err != nil {
		return angle.Angle{}, err
	}
	if t.direction == lego.DirectionCounterclockwise {
		a = a.Neg()
	}
	return a, nil
}

// Angle returns the current angle relative to the last reset.
func (t *Tacho) Angle() (angle.Angle, error) {
	raw, err := t.raw()
	if err != nil {
		return angle.Angle{}, err
	}
	return raw.Sum(t.base.Neg()), nil
}

// ResetAngle makes the tacho report the target angle from now on. With
// resetToAbs the angle snaps to the absolute marker in [-180°, 180°)
// instead, and the angle actually set is returned.
func (t *Tacho) ResetAngle(target angle.Angle, resetToAbs bool) (angle.Angle, error) {
	if resetToAbs {
		abs, err := t.port.device.Angle(true)
		if err != nil {
			return angle.Angle{}, err
		}
		if t.direction == lego.DirectionCounterclockwise {
			abs = abs.Neg()
		}
		target = abs
	}
	raw, err := t.raw()
	if err != nil {
		return angle.Angle{}, err
	}
	t.base = raw.Sum(target.Neg())
	return target, nil
}

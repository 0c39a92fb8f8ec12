// Package angle implements the 64-bit-equivalent angle type used throughout
// the motor control core. Storing whole rotations and millidegrees
// separately keeps high angular resolution without ever overflowing, even
// after days of continuous rotation.
package angle

import "github.com/bezineb5/go-lego-motion/pkg/intmath"

// MdegPerRotation is the number of millidegrees in one full rotation.
const MdegPerRotation = 360000

// Angle is a signed angle split into whole rotations and a millidegree
// component in [0, 360000). The zero value is a zero angle.
type Angle struct {
	// Rotations is the whole rotation count.
	Rotations int32
	// Millidegrees is the fractional part in millidegrees, in [0, 360000).
	Millidegrees int32
}

// normalize moves excess millidegrees into the rotation count so that the
// millidegree component stays within [0, 360000).
func (a *Angle) normalize() {
	a.Rotations += a.Millidegrees / MdegPerRotation
	a.Millidegrees %= MdegPerRotation
	if a.Millidegrees < 0 {
		a.Millidegrees += MdegPerRotation
		a.Rotations--
	}
}

// FromMdeg converts a millidegree count to an angle.
func FromMdeg(mdeg int64) Angle {
	a := Angle{
		Rotations:    int32(mdeg / MdegPerRotation),
		Millidegrees: int32(mdeg % MdegPerRotation),
	}
	a.normalize()
	return a
}

// TotalMdeg returns the angle as a single millidegree count.
func (a Angle) TotalMdeg() int64 {
	return int64(a.Rotations)*MdegPerRotation + int64(a.Millidegrees)
}

// DiffMdeg returns a - b in millidegrees, saturated to the int32 range. All
// differences used for control fit comfortably; saturation only guards
// against pathological targets half a billion degrees away.
func (a Angle) DiffMdeg(b Angle) int32 {
	return intmath.BindInt64(a.TotalMdeg() - b.TotalMdeg())
}

// DiffIsSmall reports whether a - b fits well within the int32 millidegree
// range, meaning DiffMdeg did not saturate.
func (a Angle) DiffIsSmall(b Angle) bool {
	d := a.TotalMdeg() - b.TotalMdeg()
	return d < int64(maxSmallDiff) && d > -int64(maxSmallDiff)
}

// Half the int32 range; beyond this the difference is treated as saturated.
const maxSmallDiff = 1 << 30

// AddMdeg returns the angle shifted by the given number of millidegrees.
func (a Angle) AddMdeg(mdeg int32) Angle {
	return FromMdeg(a.TotalMdeg() + int64(mdeg))
}

// Sum returns a + b.
func (a Angle) Sum(b Angle) Angle {
	r := Angle{
		Rotations:    a.Rotations + b.Rotations,
		Millidegrees: a.Millidegrees + b.Millidegrees,
	}
	r.normalize()
	return r
}

// Neg returns the negated angle.
func (a Angle) Neg() Angle {
	r := Angle{Rotations: -a.Rotations, Millidegrees: -a.Millidegrees}
	r.normalize()
	return r
}

// ToUser converts the angle to user units given the number of control steps
// (millidegrees at the motor shaft) per user step (degrees at the output).
func (a Angle) ToUser(ctlStepsPerAppStep int32) int32 {
	if ctlStepsPerAppStep == 0 {
		return 0
	}
	return intmath.BindInt64(a.TotalMdeg() / int64(ctlStepsPerAppStep))
}

// FromUser converts a user unit count to an angle given the number of
// control steps per user step.
func FromUser(value, ctlStepsPerAppStep int32) Angle {
	return FromMdeg(int64(value) * int64(ctlStepsPerAppStep))
}

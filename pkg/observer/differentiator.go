package observer

import (
	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/intmath"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

// differentiatorSamples is the ring buffer capacity. At the default 5 ms
// control period this stores 320 ms of angle history.
const differentiatorSamples = 64

// defaultSpeedWindowMs is the differentiation window for the built-in speed
// estimate used by the control state.
const defaultSpeedWindowMs = 100

// Differentiator derives speed from recent angle samples. Differentiating
// over a window rather than a single period filters encoder quantization
// noise out of user-visible speed readings.
type Differentiator struct {
	samples   [differentiatorSamples]angle.Angle
	head      int
	count     int
	loopTicks uint32
}

// Reset fills the history with the given angle so the reported speed starts
// at zero.
func (d *Differentiator) Reset(a angle.Angle, loopTicks uint32) {
	if loopTicks == 0 {
		loopTicks = 50
	}
	d.loopTicks = loopTicks
	d.head = 0
	d.count = differentiatorSamples
	for i := range d.samples {
		d.samples[i] = a
	}
}

// Push records a new angle sample.
func (d *Differentiator) Push(a angle.Angle) {
	d.samples[d.head] = a
	d.head = (d.head + 1) % differentiatorSamples
	if d.count < differentiatorSamples {
		d.count++
	}
}

// Speed returns the speed over the default window, in mdeg/s.
func (d *Differentiator) Speed() int32 {
	speed, _ := d.SpeedWindow(defaultSpeedWindowMs)
	return speed
}

// SpeedWindow returns the speed differentiated over the given window in
// milliseconds, in mdeg/s.
func (d *Differentiator) SpeedWindow(windowMs uint32) (int32, error) {
	if d.loopTicks == 0 || d.count == 0 {
		return 0, lego.ErrInvalidOp
	}
	span := int(clock.MsToTicks(windowMs) / d.loopTicks)
	if span < 1 || span >= d.count {
		return 0, lego.ErrInvalidArg
	}

	newest := d.samples[(d.head+differentiatorSamples-1)%differentiatorSamples]
	oldest := d.samples[(d.head+differentiatorSamples-1-span)%differentiatorSamples]

	delta := int64(newest.DiffMdeg(oldest))
	windowTicks := int64(span) * int64(d.loopTicks)
	return intmath.BindInt64(delta * ticksPerSecond / windowTicks), nil
}

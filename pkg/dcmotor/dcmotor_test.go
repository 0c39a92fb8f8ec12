package dcmotor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

type fakeDriver struct {
	duty    int32
	coasted bool
}

func (f *fakeDriver) Coast() error {
	f.coasted = true
	f.duty = 0
	return nil
}

func (f *fakeDriver) SetDuty(ppm int32) error {
	f.coasted = false
	f.duty = ppm
	return nil
}

type fakeParent struct {
	stops  int
	clears int
}

func (f *fakeParent) StopFromChild(clearParent bool) error {
	f.stops++
	if clearParent {
		f.clears++
	}
	return nil
}

func TestVoltageScalesToDuty(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	m := New(drv, 9000)
	require.NoError(t, m.Setup(lego.DirectionClockwise))

	require.NoError(t, m.SetVoltage(4500))
	require.EqualValues(t, 500000, drv.duty)

	actuation, voltage := m.State()
	require.Equal(t, ActuationVoltage, actuation)
	require.EqualValues(t, 4500, voltage)

	// Voltages beyond the limit clamp to full scale.
	require.NoError(t, m.SetVoltage(20000))
	require.EqualValues(t, DutyMax, drv.duty)
}

func TestDirectionFlipsDuty(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	m := New(drv, 9000)
	require.NoError(t, m.Setup(lego.DirectionCounterclockwise))

	require.NoError(t, m.SetVoltage(4500))
	require.EqualValues(t, -500000, drv.duty)
}

func TestZeroVoltageIsBrake(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	m := New(drv, 9000)
	require.NoError(t, m.Setup(lego.DirectionClockwise))

	require.NoError(t, m.SetVoltage(0))
	actuation, _ := m.State()
	require.Equal(t, ActuationBrake, actuation)
}

func TestUserCommandsStopParent(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{}
	m := New(drv, 9000)
	parent := &fakeParent{}
	m.SetParent(parent)

	// A direct user command stops the parent but keeps it attached.
	require.NoError(t, m.SetVoltage(3000))
	require.Equal(t, 1, parent.stops)
	require.True(t, m.HasParent(parent))

	require.NoError(t, m.Coast())
	require.Equal(t, 2, parent.stops)

	// The control loop's own actuation does not bounce back to the parent.
	require.NoError(t, m.SetVoltageFromControl(3000))
	require.NoError(t, m.CoastFromControl())
	require.Equal(t, 2, parent.stops)

	// Setup clears the parent entirely.
	require.NoError(t, m.Setup(lego.DirectionClockwise))
	require.Equal(t, 1, parent.clears)
	require.False(t, m.HasParent(parent))
}

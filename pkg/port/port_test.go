package port_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/lump"
	"github.com/bezineb5/go-lego-motion/pkg/lump/lumptest"
	"github.com/bezineb5/go-lego-motion/pkg/port"
)

type fakePower struct {
	mu   sync.Mutex
	last lump.PowerRequirements
	log  []lump.PowerRequirements
}

func (f *fakePower) SetPower(req lump.PowerRequirements) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	f.log = append(f.log, req)
	return nil
}

func (f *fakePower) Last() lump.PowerRequirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func startPort(t *testing.T) (*port.Port, *lumptest.Motor, *fakePower, context.CancelFunc) {
	t.Helper()

	u := lumptest.NewUART()
	motor := lumptest.NewMotor(u)
	power := &fakePower{}
	p := port.New(port.Config{
		Index: 0,
		UART:  u,
		Clock: clock.New(),
		Power: power,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p, motor, power, cancel
}

func waitReady(t *testing.T, p *port.Port) {
	t.Helper()
	require.Eventually(t, func() bool { return p.IsReady() == nil },
		5*time.Second, 5*time.Millisecond)
}

func TestPortBringsDeviceUp(t *testing.T) {
	t.Parallel()

	p, motor, power, _ := startPort(t)
	waitReady(t, p)

	// The device synchronized as an absolute-encoder motor and its power
	// rail was asserted.
	id := lego.DeviceTypeAnyEncodedMotor
	require.NoError(t, p.AssertTypeID(&id))
	require.Equal(t, lego.DeviceType(75), id)
	require.Equal(t, lump.PowerBatteryPin2, power.Last())

	// Position data flows into the angle accumulator.
	motor.SetPos(1800)
	require.Eventually(t, func() bool {
		a, err := p.Device().Angle(false)
		return err == nil && a.Millidegrees == 180000
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPortRecoversFromDeviceLoss(t *testing.T) {
	t.Parallel()

	p, motor, power, _ := startPort(t)
	waitReady(t, p)

	// The device goes away: a keep-alive window passes without data and
	// the session dies.
	motor.Stop()
	require.Eventually(t, func() bool { return p.IsReady() != nil },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return power.Last() == lump.PowerNone },
		2*time.Second, 5*time.Millisecond)

	// Plugging it back in brings it up within a sync cycle.
	motor.Restart()
	waitReady(t, p)
	require.Equal(t, lump.PowerBatteryPin2, power.Last())
}

func TestPortRequestReset(t *testing.T) {
	t.Parallel()

	p, _, _, _ := startPort(t)
	waitReady(t, p)

	require.NoError(t, p.RequestReset())

	// The device cycles through sync and comes back.
	waitReady(t, p)
}

func TestTachoAngleAndReset(t *testing.T) {
	t.Parallel()

	p, motor, _, _ := startPort(t)
	waitReady(t, p)

	motor.SetPos(100)
	require.Eventually(t, func() bool {
		a, err := p.Device().Angle(false)
		return err == nil && a.Millidegrees == 10000
	}, 2*time.Second, 5*time.Millisecond)

	tacho := p.Tacho()
	require.NoError(t, tacho.Setup(lego.DirectionClockwise, false))

	a, err := tacho.Angle()
	require.NoError(t, err)
	require.EqualValues(t, 10000, a.TotalMdeg())

	// Resetting to a given angle shifts the reported value.
	_, err = tacho.ResetAngle(angle.FromMdeg(5000), false)
	require.NoError(t, err)
	a, err = tacho.Angle()
	require.NoError(t, err)
	require.EqualValues(t, 5000, a.TotalMdeg())

	// Resetting to the absolute marker uses the device's [-180°, 180°)
	// reading.
	got, err := tacho.ResetAngle(angle.Angle{}, true)
	require.NoError(t, err)
	require.EqualValues(t, 10000, got.TotalMdeg())
}

func TestTachoDirection(t *testing.T) {
	t.Parallel()

	p, motor, _, _ := startPort(t)
	waitReady(t, p)

	motor.SetPos(100)
	require.Eventually(t, func() bool {
		a, err := p.Device().Angle(false)
		return err == nil && a.Millidegrees == 10000
	}, 2*time.Second, 5*time.Millisecond)

	tacho := p.Tacho()
	require.NoError(t, tacho.Setup(lego.DirectionCounterclockwise, false))

	a, err := tacho.Angle()
	require.NoError(t, err)
	require.EqualValues(t, -10000, a.TotalMdeg())
}

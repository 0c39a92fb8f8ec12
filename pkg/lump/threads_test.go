package lump_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/lump"
	"github.com/bezineb5/go-lego-motion/pkg/lump/lumptest"
)

func syncedDevice(t *testing.T) (*lump.Device, *lumptest.UART, *lumptest.Motor) {
	t.Helper()

	u := lumptest.NewUART()
	motor := lumptest.NewMotor(u)
	dev := lump.NewDevice(clock.New(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dev.Sync(ctx, u))
	return dev, u, motor
}

func TestSyncHandshake(t *testing.T) {
	t.Parallel()

	dev, u, _ := syncedDevice(t)

	require.Equal(t, lump.StatusData, dev.Status())
	require.Equal(t, lego.DeviceType(75), dev.TypeID())

	// The host probed at the standard rate, fell back to the slow rate for
	// sync, and switched to the negotiated rate after acknowledging.
	require.Equal(t, []uint32{lump.BaudDefault, lump.BaudMin, lump.BaudDefault}, u.BaudLog())
	require.True(t, u.WroteByte(0x04), "host must acknowledge the info sequence")

	// An absolute-encoder motor is put in its calibrated mode by default,
	// so the device reads busy until data in that mode arrives.
	require.ErrorIs(t, dev.IsReady(), lego.ErrAgain)

	// The motor needs battery power on pin 2.
	require.Equal(t, lump.PowerBatteryPin2, dev.PowerRequirements())
}

func TestSyncGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	u := lumptest.NewUART()
	dev := lump.NewDevice(clock.New(), nil)

	// Garbage that looks like TYPE headers but never checks out.
	u.OnSetBaud(func(baud uint32) {
		if baud == lump.BaudMin {
			junk := make([]byte, 0, 64)
			for i := 0; i < 16; i++ {
				junk = append(junk, 0x40, 0xFF, 0x00)
			}
			u.Feed(junk)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := dev.Sync(ctx, u)
	require.ErrorIs(t, err, lego.ErrFailed)
}

func TestKeepAliveAndData(t *testing.T) {
	t.Parallel()

	dev, u, motor := syncedDevice(t)
	motor.SetPos(1800)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{}, 2)
	go func() { _ = dev.SendLoop(ctx, u); done <- struct{}{} }()
	go func() { _ = dev.ReceiveLoop(ctx, u); done <- struct{}{} }()

	// Keep-alives elicit data from the motor; the device becomes ready and
	// reports the angle.
	require.Eventually(t, func() bool {
		a, err := dev.Angle(false)
		return err == nil && a.Millidegrees == 180000
	}, 2*time.Second, 5*time.Millisecond)

	// A mode switch: the sender emits SELECT, the motor obeys, and data in
	// the new mode completes the switch.
	require.NoError(t, dev.SetMode(2))
	require.Eventually(t, func() bool { return dev.Mode() == 2 },
		2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return dev.IsReady() == nil },
		2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, motor.Mode())

	cancel()
	<-done
	<-done
}

func TestKeepAliveTimeoutKillsSession(t *testing.T) {
	t.Parallel()

	dev, u, motor := syncedDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recvDone := make(chan error, 1)
	go func() { recvDone <- dev.ReceiveLoop(ctx, u) }()

	// The motor dies: no data ever arrives, so the second keep-alive
	// deadline declares the device lost.
	motor.Stop()
	err := dev.SendLoop(ctx, u)
	require.ErrorIs(t, err, lego.ErrTimeout)
	require.Equal(t, lump.StatusErr, dev.Status())

	// The receiver notices the error state as soon as its read returns.
	cancel()
	<-recvDone
}

func TestRequestResetForcesResync(t *testing.T) {
	t.Parallel()

	dev, u, motor := syncedDevice(t)
	motor.SetPos(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	go func() { sendDone <- dev.SendLoop(ctx, u) }()
	go func() { recvDone <- dev.ReceiveLoop(ctx, u) }()

	require.Eventually(t, func() bool { return dev.IsReady() == nil },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, dev.RequestReset())
	require.Equal(t, lump.StatusErr, dev.Status())

	// Both data tasks exit so the port can run sync again.
	for _, ch := range []chan error{sendDone, recvDone} {
		select {
		case err := <-ch:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("data task did not exit after reset request")
		}
	}

	// Reset while already down reports no device.
	require.True(t, errors.Is(dev.RequestReset(), lego.ErrNoDev))
}

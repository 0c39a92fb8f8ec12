package servo

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/bezineb5/go-lego-motion/pkg/angle"
	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/control"
	"github.com/bezineb5/go-lego-motion/pkg/dcmotor"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
)

type fakeTacho struct {
	angle angle.Angle
	err   error
}

func (f *fakeTacho) Setup(direction lego.Direction, resetAngle bool) error {
	if resetAngle {
		f.angle = angle.Angle{}
	}
	return f.err
}

func (f *fakeTacho) Angle() (angle.Angle, error) {
	return f.angle, f.err
}

func (f *fakeTacho) ResetAngle(target angle.Angle, resetToAbs bool) (angle.Angle, error) {
	if f.err != nil {
		return angle.Angle{}, f.err
	}
	f.angle = target
	return target, nil
}

type fakeDriver struct {
	duty    int32
	coasted bool
	err     error
}

func (f *fakeDriver) Coast() error {
	if f.err != nil {
		return f.err
	}
	f.coasted = true
	f.duty = 0
	return nil
}

func (f *fakeDriver) SetDuty(ppm int32) error {
	if f.err != nil {
		return f.err
	}
	f.coasted = false
	f.duty = ppm
	return nil
}

type rig struct {
	clk    *clock.Clock
	mock   *bclock.Mock
	tacho  *fakeTacho
	driver *fakeDriver
	servo  *Servo
	reg    *Registry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk, mock := clock.NewMock()
	driver := &fakeDriver{}
	tacho := &fakeTacho{}
	s := New(lego.DeviceTypeTechnicLargeMotor, tacho, dcmotor.New(driver, 9000), clk, nil)
	reg := NewRegistry(4, clk, nil)
	require.NoError(t, reg.Attach(0, s))
	return &rig{clk: clk, mock: mock, tacho: tacho, driver: driver, servo: s, reg: reg}
}

func (r *rig) setup(t *testing.T) {
	t.Helper()
	require.NoError(t, r.servo.Setup(lego.DirectionClockwise, 1000, false, 0))
}

// tickPerfect advances n control ticks with the measured angle glued to the
// trajectory reference.
func (r *rig) tickPerfect(n int) {
	for i := 0; i < n; i++ {
		r.mock.Add(LoopTimeMs * time.Millisecond)
		ref := r.servo.Control().Trajectory().GetReference(r.clk.NowTicks())
		r.tacho.angle = ref.Position
		r.reg.UpdateAll()
	}
}

func TestCommandsRequireSetup(t *testing.T) {
	r := newRig(t)

	require.ErrorIs(t, r.servo.RunForever(500), lego.ErrInvalidOp)
	require.ErrorIs(t, r.servo.RunTarget(500, 90, control.OnCompletionCoast), lego.ErrInvalidOp)
	require.ErrorIs(t, r.servo.Stop(control.OnCompletionCoast), lego.ErrInvalidOp)
	_, _, err := r.servo.StateUser()
	require.ErrorIs(t, err, lego.ErrInvalidOp)
}

func TestSetupUnknownTypeFails(t *testing.T) {
	clk, _ := clock.NewMock()
	s := New(lego.DeviceTypeEV3ColorSensor, &fakeTacho{}, dcmotor.New(&fakeDriver{}, 9000), clk, nil)
	require.ErrorIs(t, s.Setup(lego.DirectionClockwise, 1000, false, 0), lego.ErrNotSupported)
	require.False(t, s.UpdateLoopIsRunning())
}

func TestSetupValidatesArguments(t *testing.T) {
	r := newRig(t)
	require.ErrorIs(t, r.servo.Setup(lego.DirectionClockwise, 0, false, 0), lego.ErrInvalidArg)
	require.ErrorIs(t, r.servo.Setup(lego.DirectionClockwise, 1000, false, 2), lego.ErrInvalidArg)
}

func TestRunTargetReachesTarget(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunTarget(500, 360, control.OnCompletionHold))
	require.False(t, r.servo.IsDone())

	r.tickPerfect(400) // two seconds

	require.True(t, r.servo.IsDone())
	pos, speed, err := r.servo.StateUser()
	require.NoError(t, err)
	require.EqualValues(t, 360, pos)
	require.Zero(t, speed)
}

func TestRunTargetZeroSpeedCompletesImmediately(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunTarget(0, 360, control.OnCompletionCoast))
	r.tickPerfect(20)
	require.True(t, r.servo.IsDone())
}

func TestRunAngleSignLaw(t *testing.T) {
	cases := []struct {
		speed, by, want int32
	}{
		{+500, +100, +100},
		{+500, -100, -100},
		{-500, +100, -100},
		{-500, -100, +100},
	}
	for _, tc := range cases {
		r := newRig(t)
		r.setup(t)
		require.NoError(t, r.servo.RunAngle(tc.speed, tc.by, control.OnCompletionCoast))
		end := r.servo.Control().Trajectory().GetEndpoint()
		require.EqualValues(t, int64(tc.want)*1000, end.Position.TotalMdeg(),
			"speed %d by %d", tc.speed, tc.by)
	}
}

func TestCoastCompletionStopsMotor(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunAngle(500, 90, control.OnCompletionCoast))
	r.tickPerfect(400)

	require.False(t, r.servo.Control().IsActive())
	require.True(t, r.driver.coasted)
}

func TestUpdateErrorDeregistersAndCoasts(t *testing.T) {
	r := newRig(t)
	r.setup(t)
	require.NoError(t, r.servo.RunForever(200))

	// The cable comes out: the tacho read fails on the next tick.
	r.tacho.err = lego.ErrNoDev
	r.mock.Add(LoopTimeMs * time.Millisecond)
	r.reg.UpdateAll()

	require.False(t, r.servo.UpdateLoopIsRunning())
	require.True(t, r.driver.coasted)
	require.False(t, r.servo.Control().IsActive())

	// Commands now fail until setup runs again.
	require.ErrorIs(t, r.servo.RunForever(200), lego.ErrInvalidOp)

	r.tacho.err = nil
	r.setup(t)
	require.NoError(t, r.servo.RunForever(200))
}

func TestStopWithHoldTracksCurrentReference(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunForever(500))
	r.tickPerfect(100)

	require.NoError(t, r.servo.Stop(control.OnCompletionHold))
	require.True(t, r.servo.Control().TypeIsPosition())
	require.True(t, r.servo.Control().IsActive())
}

func TestStopCoast(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunForever(500))
	r.tickPerfect(50)
	require.NoError(t, r.servo.Stop(control.OnCompletionCoast))

	require.False(t, r.servo.Control().IsActive())
	require.True(t, r.driver.coasted)
}

func TestTrackTargetHoldsImmediately(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.TrackTarget(45))
	require.True(t, r.servo.Control().TypeIsPosition())
	end := r.servo.Control().Trajectory().GetEndpoint()
	require.EqualValues(t, 45000, end.Position.TotalMdeg())
}

func TestResetAngle(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	r.tacho.angle = angle.FromMdeg(90000)
	require.NoError(t, r.servo.ResetAngle(0, false))

	pos, _, err := r.servo.StateUser()
	require.NoError(t, err)
	require.Zero(t, pos)
}

func TestIsStalledWhileCoasting(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	stalled, _ := r.servo.IsStalled()
	require.False(t, stalled)
}

func TestStallAgainstBlockedShaft(t *testing.T) {
	r := newRig(t)
	r.setup(t)

	require.NoError(t, r.servo.RunForever(200))

	// The shaft never moves. Within a few hundred milliseconds the
	// controller pauses, then flags the stall.
	for i := 0; i < 200; i++ {
		r.mock.Add(LoopTimeMs * time.Millisecond)
		r.reg.UpdateAll()
	}

	stalled, durationMs := r.servo.IsStalled()
	require.True(t, stalled)
	require.GreaterOrEqual(t, durationMs, uint32(200))

	// The load estimate reports the torque the controller is pushing with.
	load, err := r.servo.Load()
	require.NoError(t, err)
	require.NotZero(t, load)
}

func TestRegistryBounds(t *testing.T) {
	r := newRig(t)

	_, err := r.reg.Servo(99)
	require.ErrorIs(t, err, lego.ErrInvalidArg)
	_, err = r.reg.Servo(1)
	require.ErrorIs(t, err, lego.ErrNoDev)
	s, err := r.reg.Servo(0)
	require.NoError(t, err)
	require.Same(t, r.servo, s)
}

func TestCloseAllCoasts(t *testing.T) {
	r := newRig(t)
	r.setup(t)
	require.NoError(t, r.servo.RunForever(300))

	require.NoError(t, r.reg.CloseAll())
	require.True(t, r.driver.coasted)
	require.False(t, r.servo.UpdateLoopIsRunning())
}

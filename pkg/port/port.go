// Package port runs the LEGO UART device lifecycle for one I/O port: it
// drives synchronization until a device comes up, runs the protocol sender
// and receiver side by side, applies the device's power requirements, and
// starts over whenever the device is lost.
package port

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bezineb5/go-lego-motion/pkg/clock"
	"github.com/bezineb5/go-lego-motion/pkg/lego"
	"github.com/bezineb5/go-lego-motion/pkg/lump"
)

// resyncDelay is the pause between a failed or ended session and the next
// synchronization attempt.
const resyncDelay = 100 * time.Millisecond

// PowerControl asserts the battery rail a device asks for on one of the
// port pins. Implementations are platform specific; a nil PowerControl
// ignores power requirements.
type PowerControl interface {
	SetPower(req lump.PowerRequirements) error
}

// Port is one I/O port with a LEGO UART device lifecycle.
type Port struct {
	index  int
	uart   lump.UART
	device *lump.Device
	power  PowerControl
	clock  *clock.Clock
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Config assembles a port.
type Config struct {
	// Index is the port number, used for logging only.
	Index int
	UART  lump.UART
	Clock *clock.Clock
	// Power is optional.
	Power  PowerControl
	Logger *slog.Logger
}

// New creates a port. Call Start to begin running the device lifecycle.
func New(cfg Config) *Port {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("port", cfg.Index)
	return &Port{
		index:  cfg.Index,
		uart:   cfg.UART,
		device: lump.NewDevice(cfg.Clock, logger),
		power:  cfg.Power,
		clock:  cfg.Clock,
		logger: logger,
	}
}

// Device exposes the protocol state for consumers such as sensors.
func (p *Port) Device() *lump.Device {
	return p.device
}

// Start launches the port task. Stop tears it down.
func (p *Port) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.run(ctx)
	}()
}

// Stop cancels the port task and waits for it to finish.
func (p *Port) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// run alternates between synchronizing and exchanging data until the
// context is canceled.
func (p *Port) run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := p.device.Sync(ctx, p.uart); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("sync failed", "error", err)
			p.clock.Sleep(resyncDelay)
			continue
		}

		p.applyPower()

		// Run sender and receiver until either returns; the group context
		// then stops the other.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return p.device.SendLoop(gctx, p.uart) })
		g.Go(func() error { return p.device.ReceiveLoop(gctx, p.uart) })
		err := g.Wait()

		p.clearPower()

		if ctx.Err() != nil {
			return
		}
		p.logger.Info("device session ended, re-syncing", "error", err)
	}
}

func (p *Port) applyPower() {
	if p.power == nil {
		return
	}
	if err := p.power.SetPower(p.device.PowerRequirements()); err != nil {
		p.logger.Warn("setting port power failed", "error", err)
	}
}

func (p *Port) clearPower() {
	if p.power == nil {
		return
	}
	if err := p.power.SetPower(lump.PowerNone); err != nil {
		p.logger.Warn("clearing port power failed", "error", err)
	}
}

// IsReady reports whether the attached device can serve reads and writes.
func (p *Port) IsReady() error {
	return p.device.IsReady()
}

// SetMode requests a device mode switch.
func (p *Port) SetMode(mode byte) error {
	return p.device.SetMode(mode)
}

// Data returns the latest data for the given mode.
func (p *Port) Data(mode byte) ([]byte, error) {
	return p.device.Data(mode)
}

// SetModeWithData switches mode if needed and schedules a data write.
func (p *Port) SetModeWithData(mode byte, data []byte) error {
	return p.device.SetModeWithData(mode, data)
}

// AssertTypeID validates the attached device type; see Device.AssertTypeID.
func (p *Port) AssertTypeID(typeID *lego.DeviceType) error {
	return p.device.AssertTypeID(typeID)
}

// RequestReset forces the device back through synchronization.
func (p *Port) RequestReset() error {
	return p.device.RequestReset()
}

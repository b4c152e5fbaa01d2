package testbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/devpath"
	"github.com/balena-io/leviathan-worker/internal/drive"
	"github.com/balena-io/leviathan-worker/internal/imaging"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

// PathResolver resolves the SD card reader's device path.
type PathResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// DriveLocator finds the drive behind a device path.
type DriveLocator interface {
	Locate(ctx context.Context, path string) (*drive.Drive, error)
}

// NetworkManager applies DUT network configuration on the host.
type NetworkManager interface {
	Apply(ctx context.Context, cfg worker.NetworkConfig) error
	Teardown(ctx context.Context) error
}

// Options configures a TestBot.
type Options struct {
	// DiskDev is the link to the SD card reader. Empty means the SD mux's
	// by-id link.
	DiskDev string
	// TempDir receives the image while it is being flashed. Empty means
	// the user's home directory.
	TempDir string
	// Timings overrides DefaultTimings.
	Timings *Timings

	Resolver PathResolver
	Locator  DriveLocator
	Network  NetworkManager
	Signals  SignalHook
	Logger   logrus.FieldLogger

	// Reraise delivers a teardown signal back to the process.
	Reraise func(os.Signal) error
}

// TestBot is the physical worker.
type TestBot struct {
	board   Board
	timings Timings
	tempDir string

	resolver PathResolver
	locator  DriveLocator
	network  NetworkManager
	signals  SignalHook
	reraise  func(os.Signal) error
	log      logrus.FieldLogger

	mu        sync.Mutex
	lifecycle worker.Lifecycle

	disconnectOnce sync.Once
	disconnectErr  error
}

var _ worker.Worker = (*TestBot)(nil)

// New creates a TestBot on board and configures the board's serial
// passthrough port.
func New(board Board, opts Options) (*TestBot, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "testbot")

	tb := &TestBot{
		board:    board,
		timings:  DefaultTimings(),
		tempDir:  opts.TempDir,
		resolver: opts.Resolver,
		locator:  opts.Locator,
		network:  opts.Network,
		signals:  opts.Signals,
		reraise:  opts.Reraise,
		log:      log,
	}
	if opts.Timings != nil {
		tb.timings = *opts.Timings
	}
	if tb.tempDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, worker.ConfigurationError("cannot determine home directory for image staging", err)
		}
		tb.tempDir = home
	}
	if tb.resolver == nil {
		tb.resolver = &devpath.Resolver{Path: opts.DiskDev, Logger: log}
	}
	if tb.locator == nil {
		tb.locator = drive.NewLocator(log)
	}
	if tb.signals == nil {
		tb.signals = NewSignalHook()
	}
	if tb.reraise == nil {
		tb.reraise = reraise
	}

	if err := board.SerialConfig(serialPort, baudRate); err != nil {
		return nil, worker.HardwareFault("failed to configure board serial port", err)
	}
	return tb, nil
}

// exclusive runs fn while holding the board mutex.
func (tb *TestBot) exclusive(fn func() error) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return fn()
}

func (tb *TestBot) sendCommand(ctx context.Context, cmd byte, settle time.Duration, a, b byte) error {
	if err := tb.board.SerialWrite(serialPort, []byte{cmd, a, b}); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to send command 0x%02x", cmd), err)
	}
	return sleep(ctx, settle)
}

func (tb *TestBot) pinMode(pin, mode int) error {
	if err := tb.board.PinMode(pin, mode); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to set mode of pin %d", pin), err)
	}
	return nil
}

func (tb *TestBot) digitalWrite(pin, value int) error {
	if err := tb.board.DigitalWrite(pin, value); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to write pin %d", pin), err)
	}
	return nil
}

func (tb *TestBot) resetSD(ctx context.Context) error {
	if err := tb.sendCommand(ctx, cmdSDResetEnable, tb.timings.SDReset, 0, 0); err != nil {
		return err
	}
	return tb.sendCommand(ctx, cmdSDResetDisable, 0, 0, 0)
}

func (tb *TestBot) switchSDToDUT(ctx context.Context) error {
	tb.log.Info("switching SD card to device")
	if err := tb.resetSD(ctx); err != nil {
		return err
	}
	if err := tb.digitalWrite(pinLED, pinLow); err != nil {
		return err
	}
	if err := tb.digitalWrite(pinSDMuxSel, pinLow); err != nil {
		return err
	}
	return sleep(ctx, tb.timings.MuxSettle)
}

func (tb *TestBot) switchSDToHost(ctx context.Context) error {
	tb.log.Info("switching SD card to host")
	if err := tb.resetSD(ctx); err != nil {
		return err
	}
	if err := tb.digitalWrite(pinLED, pinHigh); err != nil {
		return err
	}
	if err := tb.digitalWrite(pinSDMuxSel, pinHigh); err != nil {
		return err
	}
	return sleep(ctx, tb.timings.MuxSettle)
}

// Setup waits for the board and brings up the power management unit and
// both multiplexers.
func (tb *TestBot) Setup(ctx context.Context) error {
	return tb.exclusive(func() error {
		if err := tb.board.Ready(ctx); err != nil {
			return worker.HardwareFault("board did not become ready", err)
		}

		// Regulator to 5V, then start the management unit.
		if err := tb.sendCommand(ctx, cmdEnableFaultRst, tb.timings.FaultReset, 0, 0); err != nil {
			return err
		}
		if err := tb.pinMode(pinLED, pinModeOutput); err != nil {
			return err
		}
		if err := tb.sendCommand(ctx, cmdWriteDACReg, tb.timings.DACSettle, dacRegulator5V, 0); err != nil {
			return err
		}
		if err := tb.sendCommand(ctx, cmdEnableVreg, tb.timings.VregSettle, 0, 0); err != nil {
			return err
		}

		// Both muxes enabled and left disconnected.
		if err := tb.pinMode(pinSDMuxSel, pinModeOutput); err != nil {
			return err
		}
		if err := tb.digitalWrite(pinSDMuxSel, pinLow); err != nil {
			return err
		}
		if err := tb.pinMode(pinUSBMuxSel, pinModeOutput); err != nil {
			return err
		}
		if err := tb.digitalWrite(pinUSBMuxSel, pinLow); err != nil {
			return err
		}

		if err := sleep(ctx, tb.timings.ReadyDelay); err != nil {
			return err
		}
		if err := tb.lifecycle.TransitionToReady(); err != nil {
			return err
		}
		tb.log.Info("worker ready")
		return nil
	})
}

// PowerOn hands the SD card to the DUT and switches its power on. Until
// the next PowerOff, SIGINT and SIGTERM tear the worker down.
func (tb *TestBot) PowerOn(ctx context.Context) error {
	return tb.exclusive(func() error {
		if err := tb.lifecycle.RequireOperational(); err != nil {
			return err
		}
		if err := tb.switchSDToDUT(ctx); err != nil {
			return err
		}
		tb.log.Info("switching testbot on")
		if err := tb.sendCommand(ctx, cmdEnableVoutSW, tb.timings.Power, 0, 0); err != nil {
			return err
		}
		tb.signals.Register(tb.onSignal)
		return tb.lifecycle.TransitionToPoweredOn()
	})
}

// PowerOff switches the DUT off and hands the SD card back to the host.
func (tb *TestBot) PowerOff(ctx context.Context) error {
	return tb.exclusive(func() error {
		if err := tb.lifecycle.RequireOperational(); err != nil {
			return err
		}
		return tb.powerOff(ctx)
	})
}

func (tb *TestBot) powerOff(ctx context.Context) error {
	tb.log.Info("switching testbot off")
	if err := tb.sendCommand(ctx, cmdDisableVoutSW, tb.timings.Power, 0, 0); err != nil {
		return err
	}
	if err := tb.switchSDToHost(ctx); err != nil {
		return err
	}
	tb.signals.Unregister()
	return tb.lifecycle.TransitionToPoweredOff()
}

// Flash powers the DUT off and writes the image to its SD card. The whole
// sequence holds the board, so no other operation can run between the
// power off and the write.
func (tb *TestBot) Flash(ctx context.Context, r io.Reader, onProgress worker.ProgressFunc) error {
	return tb.exclusive(func() error {
		if err := tb.lifecycle.RequireOperational(); err != nil {
			return err
		}
		if err := tb.powerOff(ctx); err != nil {
			return err
		}

		tmp, err := os.CreateTemp(tb.tempDir, "leviathan-*.img")
		if err != nil {
			return fmt.Errorf("failed to create staging file: %w", err)
		}
		defer func() {
			if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
				tb.log.WithError(err).Warn("failed to remove staging file")
			}
		}()

		n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to receive image: %w", err)
		}
		tb.log.WithField("bytes", n).Info("image received")

		dev, err := tb.resolver.Resolve(ctx)
		if err != nil {
			return err
		}
		d, err := tb.locator.Locate(ctx, dev)
		if err != nil {
			return err
		}

		src, err := imaging.Open(tmp.Name())
		if err != nil {
			return worker.PipelineError("failed to open image", err)
		}
		defer func() { _ = src.Close() }()

		_, err = imaging.Write(ctx, src, []imaging.Destination{imaging.NewBlockDestination(d.Path)}, imaging.Options{
			OnProgress: onProgress,
			Verify:     true,
			Logger:     tb.log,
		})
		return err
	})
}

// Network configures the DUT's network through the host's access point.
func (tb *TestBot) Network(ctx context.Context, cfg worker.NetworkConfig) error {
	if tb.network == nil {
		return worker.InvalidState("no access point interfaces configured", nil)
	}
	return tb.network.Apply(ctx, cfg)
}

// Teardown powers the DUT off and releases the board. It waits for any
// operation in progress. If sig is not nil it is raised again once the
// board is released.
func (tb *TestBot) Teardown(ctx context.Context, sig os.Signal) error {
	tb.disconnectOnce.Do(func() {
		tb.disconnectErr = tb.exclusive(func() error { return tb.disconnect(ctx) })
	})
	if sig != nil {
		if err := tb.reraise(sig); err != nil {
			tb.log.WithError(err).Warn("failed to re-raise signal")
		}
	}
	return tb.disconnectErr
}

// disconnect must be called with mu held.
func (tb *TestBot) disconnect(ctx context.Context) error {
	var errs []error

	if tb.lifecycle.RequireOperational() == nil {
		if err := tb.powerOff(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	tb.signals.Unregister()

	if tb.network != nil {
		if err := tb.network.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tb.board.SerialClose(serialPort); err != nil {
		tb.log.WithError(err).Warn("failed to close board serial port")
	}
	if err := tb.board.Close(); err != nil {
		tb.log.WithError(err).Warn("failed to close board")
	}
	tb.lifecycle.TransitionToTornDown()

	return errors.Join(errs...)
}

func (tb *TestBot) onSignal(sig os.Signal) {
	tb.log.WithField("signal", sig.String()).Warn("received signal while powered on, tearing down")
	if err := tb.Teardown(context.Background(), sig); err != nil {
		tb.log.WithError(err).Error("teardown after signal failed")
	}
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

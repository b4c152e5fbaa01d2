package testbot

import (
	"context"
	"time"
)

// Board is the subset of the Firmata client the test board needs.
type Board interface {
	Ready(ctx context.Context) error
	PinMode(pin, mode int) error
	DigitalWrite(pin, value int) error
	SerialConfig(port byte, baud int) error
	SerialWrite(port byte, data []byte) error
	SerialClose(port byte) error
	Close() error
}

const (
	serialPort byte = 5 // HW_SERIAL5
	baudRate        = 9600
)

// Board commands.
const (
	cmdWriteDACReg    byte = 0x00
	cmdEnableVoutSW   byte = 0x03
	cmdDisableVoutSW  byte = 0x04
	cmdEnableVreg     byte = 0x07
	cmdEnableFaultRst byte = 0x10
	cmdSDResetEnable  byte = 0x12
	cmdSDResetDisable byte = 0x13
)

// GPIO pins.
const (
	pinLED       = 13
	pinSDMuxSel  = 28
	pinUSBMuxSel = 29
)

const (
	pinModeOutput = 1
	pinLow        = 0
	pinHigh       = 1
)

// dacRegulator5V is the DAC register value for a 5V output rail.
const dacRegulator5V = 5

// Timings are the settle delays of the board sequences.
type Timings struct {
	FaultReset time.Duration
	DACSettle  time.Duration
	VregSettle time.Duration
	ReadyDelay time.Duration
	SDReset    time.Duration
	MuxSettle  time.Duration
	Power      time.Duration
}

// DefaultTimings returns the delays the board hardware needs.
func DefaultTimings() Timings {
	return Timings{
		FaultReset: time.Second,
		DACSettle:  time.Second,
		VregSettle: time.Second,
		ReadyDelay: time.Second,
		SDReset:    10 * time.Millisecond,
		MuxSettle:  5 * time.Second,
		Power:      500 * time.Millisecond,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

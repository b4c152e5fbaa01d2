// Package firmata is a small Firmata client covering what the test board
// needs: pin modes, digital writes and the serial passthrough sysex.
package firmata

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotReady is returned for pin operations before the pin table is known.
var ErrNotReady = errors.New("board has not reported its capabilities")

// Client talks Firmata over a byte stream.
type Client struct {
	conn io.ReadWriteCloser
	log  logrus.FieldLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	pins     []Pin
	version  string
	firmware string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
	closed    bool
	closeOnce sync.Once
}

// NewClient starts reading from conn and asks the board to identify itself.
func NewClient(conn io.ReadWriteCloser, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Client{
		conn:  conn,
		log:   log.WithField("component", "firmata"),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	go func() {
		if err := c.write([]byte{reportVersion}); err != nil {
			c.log.WithError(err).Debug("version query failed")
		}
	}()
	return c
}

// Ready blocks until the board has reported its version and capabilities.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err != nil {
			return c.err
		}
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Version returns the protocol version reported by the board.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Firmware returns the firmware name reported by the board.
func (c *Client) Firmware() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// Pins returns a copy of the pin table.
func (c *Client) Pins() []Pin {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Pin, len(c.pins))
	copy(out, c.pins)
	return out
}

// PinMode sets the mode of pin.
func (c *Client) PinMode(pin, mode int) error {
	c.mu.Lock()
	if err := c.checkPin(pin); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pins[pin].Mode = mode
	c.mu.Unlock()

	return c.write([]byte{setPinMode, byte(pin), byte(mode)})
}

// DigitalWrite sets pin to value and sends the whole port it belongs to.
func (c *Client) DigitalWrite(pin, value int) error {
	c.mu.Lock()
	if err := c.checkPin(pin); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pins[pin].Value = value

	port := pin / 8
	portValue := 0
	for i := 0; i < 8; i++ {
		p := port*8 + i
		if p >= len(c.pins) {
			break
		}
		if c.pins[p].Value != 0 {
			portValue |= 1 << i
		}
	}
	c.mu.Unlock()

	lsb, msb := split7(portValue)
	return c.write([]byte{digitalMessage | byte(port&0x0F), lsb, msb})
}

// SerialConfig opens a serial passthrough port on the board.
func (c *Client) SerialConfig(port byte, baud int) error {
	msg := []byte{
		startSysex, serialMessage, serialConfig | port,
		byte(baud & 0x7F), byte((baud >> 7) & 0x7F), byte((baud >> 14) & 0x7F),
		endSysex,
	}
	return c.write(msg)
}

// SerialWrite sends data out of a serial passthrough port.
func (c *Client) SerialWrite(port byte, data []byte) error {
	msg := make([]byte, 0, 4+2*len(data))
	msg = append(msg, startSysex, serialMessage, serialWrite|port)
	for _, b := range data {
		lsb, msb := split7(int(b))
		msg = append(msg, lsb, msb)
	}
	msg = append(msg, endSysex)
	return c.write(msg)
}

// SerialClose closes a serial passthrough port.
func (c *Client) SerialClose(port byte) error {
	return c.write([]byte{startSysex, serialMessage, serialClose | port, endSysex})
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// checkPin must be called with mu held.
func (c *Client) checkPin(pin int) error {
	if len(c.pins) == 0 {
		return ErrNotReady
	}
	if pin < 0 || pin >= len(c.pins) {
		return fmt.Errorf("pin %d out of range (board has %d pins)", pin, len(c.pins))
	}
	return nil
}

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write to board: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	r := bufio.NewReader(c.conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			c.fail(err)
			return
		}

		switch {
		case b == reportVersion:
			var v [2]byte
			if _, err := io.ReadFull(r, v[:]); err != nil {
				c.fail(err)
				return
			}
			c.mu.Lock()
			first := c.version == ""
			c.version = fmt.Sprintf("%d.%d", v[0], v[1])
			c.mu.Unlock()
			if first {
				c.log.WithField("version", fmt.Sprintf("%d.%d", v[0], v[1])).Debug("board reported version")
				if err := c.write([]byte{startSysex, capabilityQuery, endSysex}); err != nil {
					c.fail(err)
					return
				}
			}
		case b&0xF0 == digitalMessage, b&0xF0 == analogMessage:
			var v [2]byte
			if _, err := io.ReadFull(r, v[:]); err != nil {
				c.fail(err)
				return
			}
		case b == startSysex:
			data, err := r.ReadBytes(endSysex)
			if err != nil {
				c.fail(err)
				return
			}
			if err := c.handleSysex(data[:len(data)-1]); err != nil {
				c.fail(err)
				return
			}
		default:
			// Unknown or unsupported byte; resynchronise on the next command.
		}
	}
}

func (c *Client) handleSysex(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case capabilityResp:
		c.parseCapabilities(data[1:])
		return c.write([]byte{startSysex, analogMapQuery, endSysex})
	case analogMapResp:
		c.mu.Lock()
		for i, ch := range data[1:] {
			if i < len(c.pins) {
				c.pins[i].AnalogChannel = int(ch)
			}
		}
		n := len(c.pins)
		c.mu.Unlock()
		c.readyOnce.Do(func() {
			c.log.WithField("pins", n).Info("board ready")
			close(c.ready)
		})
	case reportFirmware:
		if len(data) < 3 {
			return nil
		}
		c.mu.Lock()
		c.firmware = decode7(data[3:])
		c.mu.Unlock()
	case stringData:
		c.log.WithField("message", decode7(data[1:])).Info("board message")
	case serialMessage:
		if len(data) > 1 && data[1]&0xF0 == serialReply {
			c.log.WithField("port", data[1]&0x0F).Debug("serial reply")
		}
	}
	return nil
}

func (c *Client) parseCapabilities(data []byte) {
	var pins []Pin
	cur := Pin{AnalogChannel: 127}
	for i := 0; i < len(data); i++ {
		if data[i] == capabilityPinDone {
			pins = append(pins, cur)
			cur = Pin{AnalogChannel: 127}
			continue
		}
		cur.SupportedModes = append(cur.SupportedModes, int(data[i]))
		i++ // skip resolution
	}

	c.mu.Lock()
	c.pins = pins
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = fmt.Errorf("board connection lost: %w", err)
	c.log.WithError(err).Error("board connection lost")
}

// decode7 joins pairs of 7-bit bytes into a string.
func decode7(data []byte) string {
	out := make([]byte, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		out = append(out, data[i]|data[i+1]<<7)
	}
	return string(out)
}

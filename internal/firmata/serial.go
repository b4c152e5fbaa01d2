package firmata

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultBaudRate is the rate StandardFirmata listens on.
const DefaultBaudRate = 57600

// Open connects to a board on the serial device at path.
func Open(path string, log logrus.FieldLogger) (*Client, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: DefaultBaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewClient(port, log), nil
}

package printer

import (
	"fmt"
	"sync"

	"github.com/tarm/serial"
)

const defaultSerialBaud = 9600

// SerialConnection is a printer on a serial port, including Bluetooth SPP
// links bound to /dev/rfcommN or a COM port.
type SerialConnection struct {
	port *serial.Port
	mu   sync.Mutex
}

// openSerial opens device at baud (0 means 9600).
func openSerial(device string, baud int) (Connection, error) {
	if baud == 0 {
		baud = defaultSerialBaud
	}

	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}

	return &SerialConnection{port: port}, nil
}

// Write sends data to the serial printer
func (c *SerialConnection) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.port.Write(data)
}

// Close closes the serial connection
func (c *SerialConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return c.port.Close()
	}

	return nil
}

package printer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// NetworkConnection is a raw TCP link to a printer, usually on port 9100.
type NetworkConnection struct {
	conn net.Conn
	mu   sync.Mutex
}

// Write sends data to the network printer
func (c *NetworkConnection) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, net.ErrClosed
	}
	return c.conn.Write(data)
}

// Close closes the network connection
func (c *NetworkConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// TCPTransport dials network printers.
type TCPTransport struct {
	DefaultTimeout time.Duration
	dialer         net.Dialer
}

func NewTCPTransport(defaultTimeout time.Duration) *TCPTransport {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTCPTimeout
	}
	return &TCPTransport{DefaultTimeout: defaultTimeout}
}

// Connect dials the target; timeout <= 0 uses DefaultTimeout.
func (t *TCPTransport) Connect(ctx context.Context, target Target, timeout time.Duration) (Connection, error) {
	tcp, ok := target.(TCPTarget)
	if !ok {
		return nil, connectionError(TransportTCP, "connect", fmt.Errorf("unexpected target %T", target))
	}
	if timeout <= 0 {
		timeout = t.DefaultTimeout
	}

	d := t.dialer
	d.Timeout = timeout
	conn, err := d.DialContext(ctx, "tcp", tcp.String())
	if err != nil {
		return nil, connectionError(TransportTCP, "connect", err)
	}

	return &NetworkConnection{conn: conn}, nil
}

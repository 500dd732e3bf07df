package printer

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closes   int
	writeErr error
	short    bool
	closeErr error
	onClose  func()
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.short && len(p) > 1 {
		c.buf.Write(p[:len(p)-1])
		return len(p) - 1, nil
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return c.closeErr
}

func (c *fakeConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeTransport hands out fakeConns and tracks how many are open at once.
type fakeTransport struct {
	mu         sync.Mutex
	conns      []*fakeConn
	targets    []Target
	timeouts   []time.Duration
	connectErr error
	writeErr   error
	hold       chan struct{}
	entered    chan struct{}
	delay      time.Duration
	active     int
	maxActive  int
}

func (f *fakeTransport) Connect(_ context.Context, target Target, timeout time.Duration) (Connection, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.hold != nil {
		<-f.hold
	}

	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.timeouts = append(f.timeouts, timeout)
	if f.connectErr != nil {
		f.mu.Unlock()
		return nil, f.connectErr
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	conn := &fakeConn{writeErr: f.writeErr}
	conn.onClose = func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return conn, nil
}

func (f *fakeTransport) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func (f *fakeTransport) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Package usbperm serializes USB access checks: a device is only opened
// once the platform authority has granted access to it.
package usbperm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDenied is returned when access to a device was refused or the reply
// could not be matched to a device.
var ErrDenied = errors.New("usb permission denied")

// State of a gate.
type State int

const (
	Unchecked State = iota
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unchecked"
	}
}

// Device identifies a USB device by its position on the bus.
type Device struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
}

func (d Device) String() string {
	return fmt.Sprintf("%03d/%03d (%04X:%04X)", d.Bus, d.Address, d.VendorID, d.ProductID)
}

// Event is the authority's answer to a permission request.
type Event struct {
	Device  *Device
	Granted bool
	Err     error
}

// Authority is the platform permission broker.
type Authority interface {
	HasPermission(dev Device) bool
	// RequestPermission asks for access; reply may be called from any
	// goroutine, and only the first call is honored.
	RequestPermission(dev Device, reply func(Event))
}

// Gate awaits the permission outcome for a device.
type Gate struct {
	authority Authority

	mu    sync.Mutex
	state State
}

// NewGate creates a gate backed by authority.
func NewGate(authority Authority) *Gate {
	return &Gate{authority: authority}
}

// State returns the outcome of the last Await.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Await returns nil once dev may be opened. It blocks until the authority
// answers or ctx is done.
func (g *Gate) Await(ctx context.Context, dev Device) error {
	g.setState(Unchecked)

	if g.authority.HasPermission(dev) {
		g.setState(Granted)
		return nil
	}

	events := make(chan Event, 1)
	g.authority.RequestPermission(dev, func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})

	select {
	case ev := <-events:
		if ev.Device == nil || !ev.Granted || !sameDevice(*ev.Device, dev) {
			g.setState(Denied)
			if ev.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrDenied, dev, ev.Err)
			}
			return fmt.Errorf("%w: %s", ErrDenied, dev)
		}
		g.setState(Granted)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func sameDevice(a, b Device) bool {
	return a.Bus == b.Bus && a.Address == b.Address
}

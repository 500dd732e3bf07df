package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

// DeviceLister enumerates USB devices; USBTransport implements it.
type DeviceLister interface {
	Devices() ([]USBDevice, error)
}

// Monitor polls for USB devices appearing and disappearing.
type Monitor struct {
	lister   DeviceLister
	interval time.Duration

	onAdded   func(USBDevice)
	onRemoved func(USBDevice)

	mu       sync.Mutex
	previous map[string]USBDevice
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a monitor that checks every interval.
func NewMonitor(lister DeviceLister, interval time.Duration) *Monitor {
	return &Monitor{
		lister:   lister,
		interval: interval,
		previous: make(map[string]USBDevice),
	}
}

// OnAdded sets a callback for when a device appears
func (m *Monitor) OnAdded(fn func(USBDevice)) { m.onAdded = fn }

// OnRemoved sets a callback for when a device disappears
func (m *Monitor) OnRemoved(fn func(USBDevice)) { m.onRemoved = fn }

// Start takes an initial snapshot without reporting it, then polls until
// Stop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	m.snapshot()

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckChanges()
			}
		}
	}()
}

// Stop stops the monitor and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Snapshot returns the devices seen by the last check.
func (m *Monitor) Snapshot() []USBDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	devs := make([]USBDevice, 0, len(m.previous))
	for _, d := range m.previous {
		devs = append(devs, d)
	}
	sortUSBDevices(devs)
	return devs
}

func (m *Monitor) snapshot() {
	devs, err := m.lister.Devices()
	if err != nil {
		logging.Warn("usb enumeration failed", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range devs {
		m.previous[deviceKey(d)] = d
	}
}

// CheckChanges compares the current devices with the previous check and
// fires the callbacks.
func (m *Monitor) CheckChanges() {
	devs, err := m.lister.Devices()
	if err != nil && len(devs) == 0 {
		logging.Warn("usb enumeration failed", "error", err)
		return
	}

	current := make(map[string]USBDevice, len(devs))
	for _, d := range devs {
		current[deviceKey(d)] = d
	}

	m.mu.Lock()
	var added, removed []USBDevice
	for key, d := range current {
		if _, ok := m.previous[key]; !ok {
			added = append(added, d)
		}
	}
	for key, d := range m.previous {
		if _, ok := current[key]; !ok {
			removed = append(removed, d)
		}
	}
	m.previous = current
	m.mu.Unlock()

	sortUSBDevices(added)
	sortUSBDevices(removed)

	for _, d := range added {
		logging.Info("usb device added", "device", deviceKey(d), "printer", d.Printer)
		if m.onAdded != nil {
			m.onAdded(d)
		}
	}
	for _, d := range removed {
		logging.Info("usb device removed", "device", deviceKey(d))
		if m.onRemoved != nil {
			m.onRemoved(d)
		}
	}
}

func deviceKey(d USBDevice) string {
	return fmt.Sprintf("%03d/%03d:%04X:%04X", d.Bus, d.Address, d.VendorID, d.ProductID)
}

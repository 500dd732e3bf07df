package printer

import (
	"fmt"
	"sync"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/usbperm"
)

// TransportConfig tunes the built-in transports.
type TransportConfig struct {
	TCPTimeout       time.Duration
	BluetoothChannel int
	SerialBaud       int
	USBAuthority     usbperm.Authority
}

// TransportSet maps target kinds to transports.
type TransportSet struct {
	transports map[TransportKind]Transport
	mu         sync.RWMutex
}

// NewTransportSet creates the TCP, Bluetooth and USB transports.
func NewTransportSet(cfg TransportConfig) *TransportSet {
	authority := cfg.USBAuthority
	if authority == nil {
		authority = usbperm.NewAuthority()
	}

	return &TransportSet{
		transports: map[TransportKind]Transport{
			TransportTCP:       NewTCPTransport(cfg.TCPTimeout),
			TransportBluetooth: NewBluetoothTransport(cfg.BluetoothChannel, cfg.SerialBaud),
			TransportUSB:       NewUSBTransport(authority),
		},
	}
}

// Set replaces the transport for kind.
func (s *TransportSet) Set(kind TransportKind, t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transports[kind] = t
}

// Get returns the transport for kind.
func (s *TransportSet) Get(kind TransportKind) (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transports[kind]
	if !ok || t == nil {
		return nil, fmt.Errorf("unsupported transport: %s", kind)
	}
	return t, nil
}

// USB returns the USB transport when it is the built-in one.
func (s *TransportSet) USB() (*USBTransport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transports[TransportUSB].(*USBTransport)
	return t, ok
}

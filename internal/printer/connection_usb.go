package printer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/thereceipt/thermal-dispatch/internal/usbperm"
)

// USBDevice describes an enumerated device; nothing is opened to get it.
type USBDevice struct {
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Printer   bool   `json:"printer"`
}

func (d USBDevice) permissionDevice() usbperm.Device {
	return usbperm.Device{Bus: d.Bus, Address: d.Address, VendorID: d.VendorID, ProductID: d.ProductID}
}

// usbBackend abstracts libusb so selection and gating can be tested.
type usbBackend interface {
	List() ([]USBDevice, error)
	Open(dev USBDevice) (Connection, error)
}

// USBTransport prints to USB devices after the permission gate allows it.
type USBTransport struct {
	backend usbBackend
	gate    *usbperm.Gate
}

func NewUSBTransport(authority usbperm.Authority) *USBTransport {
	return newUSBTransport(gousbBackend{}, authority)
}

func newUSBTransport(backend usbBackend, authority usbperm.Authority) *USBTransport {
	return &USBTransport{backend: backend, gate: usbperm.NewGate(authority)}
}

// Devices lists attached devices in (bus, address) order.
func (t *USBTransport) Devices() ([]USBDevice, error) {
	devs, err := t.backend.List()
	sortUSBDevices(devs)
	return devs, err
}

// Connect ignores the timeout; the permission wait ends only with an
// answer from the authority or with ctx.
func (t *USBTransport) Connect(ctx context.Context, target Target, _ time.Duration) (Connection, error) {
	usb, ok := target.(USBTarget)
	if !ok {
		return nil, connectionError(TransportUSB, "connect", fmt.Errorf("unexpected target %T", target))
	}

	devs, err := t.Devices()
	if err != nil && len(devs) == 0 {
		return nil, usbError("enumerate", err)
	}

	dev, ok := selectUSBDevice(devs, usb)
	if !ok {
		return nil, connectionError(TransportUSB, "select device", fmt.Errorf("no usb device matches %s", usb))
	}

	if err := t.gate.Await(ctx, dev.permissionDevice()); err != nil {
		if errors.Is(err, usbperm.ErrDenied) {
			return nil, &Error{Kind: KindPermission, Transport: TransportUSB, Op: "permission", Err: err}
		}
		return nil, connectionError(TransportUSB, "permission", err)
	}

	conn, err := t.backend.Open(dev)
	if err != nil {
		return nil, usbError("open", err)
	}
	return conn, nil
}

func sortUSBDevices(devs []USBDevice) {
	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].Bus != devs[j].Bus {
			return devs[i].Bus < devs[j].Bus
		}
		return devs[i].Address < devs[j].Address
	})
}

// selectUSBDevice expects devs sorted. With ids it returns the first exact
// match, otherwise the first printer-class device.
func selectUSBDevice(devs []USBDevice, target USBTarget) (USBDevice, bool) {
	for _, d := range devs {
		if target.VendorID == 0 && target.ProductID == 0 {
			if d.Printer {
				return d, true
			}
			continue
		}
		if int(d.VendorID) == target.VendorID && int(d.ProductID) == target.ProductID {
			return d, true
		}
	}
	return USBDevice{}, false
}

func usbError(op string, err error) error {
	kind := KindConnection
	if isUSBAccessError(err) {
		kind = KindPermission
	}
	return &Error{Kind: kind, Transport: TransportUSB, Op: op, Err: err}
}

func isUSBAccessError(err error) bool {
	return errors.Is(err, gousb.ErrorAccess) || strings.Contains(err.Error(), gousb.ErrorAccess.Error())
}

// gousbBackend talks to libusb through gousb.
type gousbBackend struct{}

func (gousbBackend) List() ([]USBDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var devs []USBDevice
	// Returning false keeps OpenDevices from opening anything.
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devs = append(devs, USBDevice{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Printer:   isPrinterClass(desc),
		})
		return false
	})
	if err != nil {
		return devs, fmt.Errorf("enumerate usb devices: %w", err)
	}
	return devs, nil
}

// isPrinterClass checks the device class and every interface setting
// (class 7).
func isPrinterClass(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}

func (gousbBackend) Open(want USBDevice) (Connection, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == want.Bus && desc.Address == want.Address
	})
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("usb device %03d/%03d disappeared", want.Bus, want.Address)
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	conn, err := claimOutEndpoint(dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	conn.ctx = ctx
	return conn, nil
}

// claimOutEndpoint detaches the kernel driver, claims the printer
// interface (or the first one with an OUT endpoint) and opens that
// endpoint.
func claimOutEndpoint(dev *gousb.Device) (*USBConnection, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("set auto detach: %w", err)
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = firstConfig(dev.Desc)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("set config %d: %w", cfgNum, err)
	}

	setting, epNum, ok := pickInterface(cfg.Desc)
	if !ok {
		cfg.Close()
		return nil, fmt.Errorf("no interface with an OUT endpoint on %04X:%04X", dev.Desc.Vendor, dev.Desc.Product)
	}

	iface, err := cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("claim interface %d: %w", setting.Number, err)
	}

	ep, err := iface.OutEndpoint(epNum)
	if err != nil {
		iface.Close()
		cfg.Close()
		return nil, fmt.Errorf("open endpoint %d: %w", epNum, err)
	}

	return &USBConnection{device: dev, config: cfg, iface: iface, endpoint: ep}, nil
}

func firstConfig(desc *gousb.DeviceDesc) int {
	first := 0
	for num := range desc.Configs {
		if first == 0 || num < first {
			first = num
		}
	}
	if first == 0 {
		return 1
	}
	return first
}

func pickInterface(desc gousb.ConfigDesc) (gousb.InterfaceSetting, int, bool) {
	var (
		fallback   gousb.InterfaceSetting
		fallbackEP int
		found      bool
	)
	for _, iface := range desc.Interfaces {
		for _, alt := range iface.AltSettings {
			ep, ok := outEndpoint(alt)
			if !ok {
				continue
			}
			if alt.Class == gousb.ClassPrinter {
				return alt, ep, true
			}
			if !found {
				fallback, fallbackEP, found = alt, ep, true
			}
		}
	}
	return fallback, fallbackEP, found
}

func outEndpoint(alt gousb.InterfaceSetting) (int, bool) {
	best := -1
	for _, ep := range alt.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && (best < 0 || ep.Number < best) {
			best = ep.Number
		}
	}
	return best, best >= 0
}

// USBConnection represents a claimed USB printer interface.
type USBConnection struct {
	ctx      *gousb.Context
	device   *gousb.Device
	config   *gousb.Config
	iface    *gousb.Interface
	endpoint *gousb.OutEndpoint
	mu       sync.Mutex
}

// Write sends data to the USB printer
func (c *USBConnection) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.endpoint.Write(data)
}

// Close releases the interface, the device and the libusb context.
func (c *USBConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.iface != nil {
		c.iface.Close()
		c.iface = nil
	}
	var err error
	if c.config != nil {
		err = c.config.Close()
		c.config = nil
	}
	if c.device != nil {
		if cerr := c.device.Close(); err == nil {
			err = cerr
		}
		c.device = nil
	}
	if c.ctx != nil {
		if cerr := c.ctx.Close(); err == nil {
			err = cerr
		}
		c.ctx = nil
	}
	return err
}

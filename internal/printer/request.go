package printer

import (
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/renderer"
)

// TransportKind names a printer link.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportBluetooth TransportKind = "bluetooth"
	TransportUSB       TransportKind = "usb"
)

const (
	DefaultPaperWidthMM = 58
	DefaultTCPPort      = 9100
	DefaultTCPTimeout   = 3000 * time.Millisecond
)

// Target identifies the printer a request is sent to.
type Target interface {
	Kind() TransportKind
	String() string
}

type TCPTarget struct {
	Host string
	Port int
}

func (TCPTarget) Kind() TransportKind { return TransportTCP }

func (t TCPTarget) String() string {
	port := t.Port
	if port == 0 {
		port = DefaultTCPPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// BluetoothTarget is a MAC address or a bound serial device such as
// /dev/rfcomm0 or COM5.
type BluetoothTarget struct {
	Address string
}

func (BluetoothTarget) Kind() TransportKind { return TransportBluetooth }
func (t BluetoothTarget) String() string   { return t.Address }

// USBTarget selects a device by vendor and product id. Both zero selects
// the first printer-class device.
type USBTarget struct {
	VendorID  int
	ProductID int
}

func (USBTarget) Kind() TransportKind { return TransportUSB }

func (t USBTarget) String() string {
	if t.VendorID == 0 && t.ProductID == 0 {
		return "first printer"
	}
	return fmt.Sprintf("%04X:%04X", t.VendorID, t.ProductID)
}

// Flags are the per-call formatting and post-print switches.
type Flags struct {
	AutoCut     bool    `json:"autoCut"`
	OpenCashbox bool    `json:"openCashbox"`
	MMFeedPaper float64 `json:"mmFeedPaper"`
	Bold        bool    `json:"bold"`
	Underline   bool    `json:"underline"`
	Codepage    string  `json:"codepage,omitempty"`
	// Density is vendor specific; it is recorded but no command is sent.
	Density *int `json:"density,omitempty"`
	// Timeout is the TCP connect timeout in milliseconds.
	Timeout      int   `json:"timeout,omitempty"`
	RenderMarkup *bool `json:"renderMarkup,omitempty"`
}

// Options are shared by every transport.
type Options struct {
	Payload        string  `json:"payload"`
	PrinterWidthMM float64 `json:"printerWidthMM,omitempty"`
	CharsPerLine   int     `json:"charsPerLine,omitempty"`
	Flags
}

// PrintRequest is one print call.
type PrintRequest struct {
	Target  Target
	Options Options
}

type TCPRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port,omitempty"`
	Options
}

func (r TCPRequest) PrintRequest() PrintRequest {
	return PrintRequest{Target: TCPTarget{Host: r.IP, Port: r.Port}, Options: r.Options}
}

type BluetoothRequest struct {
	MACAddress string `json:"macAddress"`
	Options
}

func (r BluetoothRequest) PrintRequest() PrintRequest {
	return PrintRequest{Target: BluetoothTarget{Address: r.MACAddress}, Options: r.Options}
}

type USBRequest struct {
	VendorID  int `json:"vendorId,omitempty"`
	ProductID int `json:"productId,omitempty"`
	Options
}

func (r USBRequest) PrintRequest() PrintRequest {
	return PrintRequest{Target: USBTarget{VendorID: r.VendorID, ProductID: r.ProductID}, Options: r.Options}
}

// ResolvedPaper is the geometry used for one call.
type ResolvedPaper struct {
	WidthMM      float64
	CharsPerLine int
	WidthDots    int
}

// ResolvePaper fills in defaults: 58 mm paper, and 48 characters per line
// from 80 mm up, 32 below.
func ResolvePaper(widthMM float64, charsPerLine int) ResolvedPaper {
	if widthMM <= 0 {
		widthMM = DefaultPaperWidthMM
	}
	if charsPerLine <= 0 {
		charsPerLine = 32
		if widthMM >= 80 {
			charsPerLine = 48
		}
	}
	return ResolvedPaper{
		WidthMM:      widthMM,
		CharsPerLine: charsPerLine,
		WidthDots:    renderer.PaperWidthToDots(widthMM),
	}
}

var serialDevice = regexp.MustCompile(`(?i)^(/dev/\S+|COM\d+)$`)

// IsSerialDevice reports whether a Bluetooth address names a bound serial
// device rather than a MAC address.
func IsSerialDevice(address string) bool {
	return serialDevice.MatchString(address)
}

func validate(req PrintRequest) error {
	if req.Target == nil {
		return validationError("target is required")
	}
	if req.Options.Payload == "" {
		return validationError("payload is required")
	}

	o := req.Options
	if o.PrinterWidthMM < 0 || math.IsNaN(o.PrinterWidthMM) {
		return validationError("printerWidthMM must not be negative")
	}
	if o.CharsPerLine < 0 {
		return validationError("charsPerLine must not be negative")
	}
	if o.Timeout < 0 {
		return validationError("timeout must not be negative")
	}
	return ValidateTarget(req.Target)
}

// ValidateTarget checks the addressing part of a request.
func ValidateTarget(target Target) error {
	switch t := target.(type) {
	case TCPTarget:
		if strings.TrimSpace(t.Host) == "" {
			return validationError("ip is required")
		}
		if t.Port < 0 || t.Port > 65535 {
			return validationError("port %d out of range", t.Port)
		}
	case BluetoothTarget:
		if t.Address == "" {
			return validationError("macAddress is required")
		}
		if !IsSerialDevice(t.Address) {
			hw, err := net.ParseMAC(t.Address)
			if err != nil || len(hw) != 6 {
				return validationError("invalid bluetooth address %q", t.Address)
			}
		}
	case USBTarget:
		if (t.VendorID == 0) != (t.ProductID == 0) {
			return validationError("vendorId and productId must be given together")
		}
		if t.VendorID < 0 || t.VendorID > 0xFFFF || t.ProductID < 0 || t.ProductID > 0xFFFF {
			return validationError("usb ids out of range")
		}
	case nil:
		return validationError("target is required")
	default:
		return validationError("unsupported target %T", target)
	}
	return nil
}

// normalize applies the defaults that do not depend on dispatcher state.
func normalize(o Options) Options {
	if o.PrinterWidthMM <= 0 {
		o.PrinterWidthMM = DefaultPaperWidthMM
	}
	if o.MMFeedPaper < 0 || math.IsNaN(o.MMFeedPaper) {
		o.MMFeedPaper = 0
	}
	return o
}

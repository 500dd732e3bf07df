package printer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

const defaultRFCOMMChannel = 1

var (
	errBluetoothUnsupported = errors.New("bluetooth rfcomm is not supported on this platform")
	errDeviceNotFound       = errors.New("device not found")
)

// BluetoothTransport connects to paired printers either over an RFCOMM
// socket (MAC address targets) or through a bound serial device.
type BluetoothTransport struct {
	Channel int
	Baud    int

	lookup     func(mac string) error
	dialRFCOMM func(mac string, channel int) (Connection, error)
	openSerial func(device string, baud int) (Connection, error)
}

// NewBluetoothTransport uses BlueZ for device lookup where available.
func NewBluetoothTransport(channel, baud int) *BluetoothTransport {
	if channel <= 0 {
		channel = defaultRFCOMMChannel
	}
	if baud <= 0 {
		baud = defaultSerialBaud
	}
	return &BluetoothTransport{
		Channel:    channel,
		Baud:       baud,
		lookup:     lookupBluetoothDevice,
		dialRFCOMM: dialRFCOMM,
		openSerial: openSerial,
	}
}

// Connect ignores the timeout: device resolution and the RFCOMM connect
// use the platform defaults.
func (t *BluetoothTransport) Connect(_ context.Context, target Target, _ time.Duration) (Connection, error) {
	bt, ok := target.(BluetoothTarget)
	if !ok {
		return nil, connectionError(TransportBluetooth, "connect", fmt.Errorf("unexpected target %T", target))
	}

	if IsSerialDevice(bt.Address) {
		conn, err := t.openSerial(bt.Address, t.Baud)
		if err != nil {
			return nil, bluetoothError("open", err)
		}
		return conn, nil
	}

	mac := strings.ToUpper(bt.Address)
	if err := t.lookup(mac); err != nil {
		return nil, bluetoothError("resolve device", err)
	}

	conn, err := t.dialRFCOMM(mac, t.Channel)
	if err != nil {
		return nil, bluetoothError("connect", err)
	}
	logging.Debug("bluetooth socket connected", "address", mac, "channel", t.Channel)
	return conn, nil
}

// bluetoothError maps access failures (EACCES, EPERM, BlueZ access denied)
// to PermissionError and everything else to ConnectionError.
func bluetoothError(op string, err error) error {
	kind := KindConnection
	if errors.Is(err, fs.ErrPermission) {
		kind = KindPermission
	}
	return &Error{Kind: kind, Transport: TransportBluetooth, Op: op, Err: err}
}

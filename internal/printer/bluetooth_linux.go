//go:build linux

package printer

import (
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"golang.org/x/sys/unix"
)

// lookupBluetoothDevice checks that BlueZ knows the device on the default
// adapter.
func lookupBluetoothDevice(mac string) error {
	a, err := adapter.GetDefaultAdapter()
	if err != nil {
		return bluezError("default adapter", err)
	}
	defer a.Close()

	dev, err := a.GetDeviceByAddress(mac)
	if err != nil {
		return bluezError("lookup "+mac, err)
	}
	if dev == nil {
		return fmt.Errorf("%s: %w", mac, errDeviceNotFound)
	}
	dev.Close()
	return nil
}

func bluezError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "NotAuthorized") {
		return fmt.Errorf("bluez %s: %v: %w", op, err, fs.ErrPermission)
	}
	return fmt.Errorf("bluez %s: %w", op, err)
}

// dialRFCOMM connects an RFCOMM stream socket to mac on channel.
func dialRFCOMM(mac string, channel int) (Connection, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %s: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("MAC address must be 6 bytes, got %d", len(hw))
	}
	// SockaddrRFCOMM wants the address little-endian.
	var addr [6]byte
	for i := 0; i < 6; i++ {
		addr[i] = hw[5-i]
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("create rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: uint8(channel)}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", mac, channel, err)
	}

	return os.NewFile(uintptr(fd), "rfcomm:"+mac), nil
}

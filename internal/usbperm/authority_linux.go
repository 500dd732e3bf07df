//go:build linux

package usbperm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

// NodeAuthority grants access when the usbfs device node is readable and
// writable by this process.
type NodeAuthority struct {
	Root string // defaults to /dev/bus/usb
}

// NewAuthority returns the platform authority.
func NewAuthority() Authority {
	return &NodeAuthority{}
}

func (a *NodeAuthority) node(dev Device) string {
	root := a.Root
	if root == "" {
		root = "/dev/bus/usb"
	}
	return fmt.Sprintf("%s/%03d/%03d", root, dev.Bus, dev.Address)
}

func (a *NodeAuthority) HasPermission(dev Device) bool {
	return unix.Access(a.node(dev), unix.R_OK|unix.W_OK) == nil
}

// RequestPermission cannot prompt on Linux; access comes from udev rules,
// so the request answers with a denial naming the node.
func (a *NodeAuthority) RequestPermission(dev Device, reply func(Event)) {
	node := a.node(dev)
	err := unix.Access(node, unix.R_OK|unix.W_OK)
	if err == nil {
		reply(Event{Device: &dev, Granted: true})
		return
	}
	logging.Warn("usb device node not accessible", "node", node, "error", err)
	reply(Event{Device: &dev, Err: fmt.Errorf("%s: %w", node, err)})
}

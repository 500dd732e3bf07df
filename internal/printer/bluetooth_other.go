//go:build !linux

package printer

func lookupBluetoothDevice(string) error {
	return errBluetoothUnsupported
}

func dialRFCOMM(string, int) (Connection, error) {
	return nil, errBluetoothUnsupported
}

//go:build darwin || windows

package ble

// writeWithResponse performs an acknowledged write; CoreBluetooth and
// WinRT both return once the device responds.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

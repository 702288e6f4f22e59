//go:build !linux && !darwin && !windows

package ble

// writeWithResponse falls back to an unacknowledged write on backends
// without a response-mode write. Success only means the write was queued.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

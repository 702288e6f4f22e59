//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const gattCharacteristic1 = "org.bluez.GattCharacteristic1"

// writeWithResponse performs an acknowledged write. The Linux backend of
// tinygo bluetooth only offers WriteWithoutResponse, so the write goes
// through BlueZ directly with type "request".
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	obj, err := c.bluezObject()
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := obj.Call(gattCharacteristic1+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: WriteValue: %w", err)
	}
	return nil
}

func (c *tinyGoCharacteristic) bluezObject() (dbus.BusObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bluez != nil {
		return c.bluez, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: system bus: %w", err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object("org.bluez", "/").Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: decode managed objects: %w", err)
	}
	path, ok := findCharacteristicPath(objects, c.address, c.UUID())
	if !ok {
		return nil, fmt.Errorf("ble: no BlueZ characteristic %s on %s", c.UUID(), c.address)
	}
	c.bluez = conn.Object("org.bluez", path)
	return c.bluez, nil
}

// findCharacteristicPath returns the object path of the GATT characteristic
// with the given UUID on the device with the given MAC address.
func findCharacteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, address, uuid string) (dbus.ObjectPath, bool) {
	devSegment := "/dev_" + strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_") + "/"
	uuid = strings.ToLower(uuid)
	for path, ifaces := range objects {
		if !strings.Contains(string(path), devSegment) {
			continue
		}
		props, ok := ifaces[gattCharacteristic1]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, ok := v.Value().(string); ok && strings.ToLower(s) == uuid {
			return path, true
		}
	}
	return "", false
}

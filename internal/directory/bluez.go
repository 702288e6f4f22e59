package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/locker-controller/internal/ble"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZSource lists devices bonded through BlueZ on Linux.
type BlueZSource struct {
	adapter string // e.g. "hci0"

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBlueZSource creates a source for the named BlueZ adapter.
func NewBlueZSource(adapter string) *BlueZSource {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZSource{adapter: adapter}
}

func (b *BlueZSource) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	// SystemBus returns a shared connection; it is never closed here.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("directory: connect to system bus: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *BlueZSource) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.adapter)
}

// PairedDevices powers the adapter on if needed and returns its paired
// devices sorted by name.
func (b *BlueZSource) PairedDevices(ctx context.Context) ([]ble.Device, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}
	if err := b.ensurePowered(conn); err != nil {
		return nil, err
	}

	var objects managedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("directory: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("directory: decode managed objects: %w", err)
	}
	return pairedFromObjects(b.adapterPath(), objects), nil
}

// ensurePowered switches the adapter on when it is off.
func (b *BlueZSource) ensurePowered(conn *dbus.Conn) error {
	obj := conn.Object(bluezBus, b.adapterPath())
	v, err := obj.GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return fmt.Errorf("directory: adapter %s: %w", b.adapter, err)
	}
	if powered, ok := v.Value().(bool); ok && powered {
		return nil
	}
	slog.Info("[DIR] powering on adapter", "adapter", b.adapter)
	if err := obj.SetProperty(bluezAdapter1+".Powered", dbus.MakeVariant(true)); err != nil {
		return fmt.Errorf("directory: power on %s: %w", b.adapter, err)
	}
	return nil
}

// pairedFromObjects extracts paired Device1 objects under adapterPath.
func pairedFromObjects(adapterPath dbus.ObjectPath, objects managedObjects) []ble.Device {
	prefix := string(adapterPath) + "/"
	var devices []ble.Device
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezDevice1]
		if !ok {
			continue
		}
		if paired, _ := variantValue[bool](props, "Paired"); !paired {
			continue
		}
		addr, _ := variantValue[string](props, "Address")
		name, ok := variantValue[string](props, "Name")
		if !ok {
			name, _ = variantValue[string](props, "Alias")
		}
		rssi, _ := variantValue[int16](props, "RSSI")
		devices = append(devices, ble.Device{Name: name, Address: addr, RSSI: int(rssi)})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, false
	}
	return val, true
}

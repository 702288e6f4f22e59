// Package directory resolves user-supplied locker names to paired BLE
// devices. Pairing itself is done by the operating system.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/locker-controller/internal/ble"
)

var (
	ErrDeviceNotFound = errors.New("device is not paired")
	ErrBlankName      = errors.New("device name is blank")
)

// Source lists the devices paired with this host.
type Source interface {
	PairedDevices(ctx context.Context) ([]ble.Device, error)
}

// Directory looks up paired devices by name.
type Directory struct {
	source Source
}

// New creates a Directory backed by source.
func New(source Source) *Directory {
	if source == nil {
		panic("directory: New called with nil source")
	}
	return &Directory{source: source}
}

// ListPairedDevices returns every paired device. An empty list is not an
// error.
func (d *Directory) ListPairedDevices(ctx context.Context) ([]ble.Device, error) {
	devices, err := d.source.PairedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: list paired devices: %w", err)
	}
	slog.Debug("[DIR] paired devices", "count", len(devices))
	return devices, nil
}

// FindByName returns the paired device whose name matches exactly
// (case-sensitive).
func (d *Directory) FindByName(ctx context.Context, name string) (ble.Device, error) {
	if strings.TrimSpace(name) == "" {
		return ble.Device{}, ErrBlankName
	}
	devices, err := d.ListPairedDevices(ctx)
	if err != nil {
		return ble.Device{}, err
	}
	for _, dev := range devices {
		if dev.Name == name {
			slog.Info("[DIR] device selected", "name", dev.Name, "address", dev.Address)
			return dev, nil
		}
	}
	return ble.Device{}, fmt.Errorf("directory: %q: %w", name, ErrDeviceNotFound)
}

// StaticSource serves a fixed device list, for hosts where the paired
// list cannot be queried.
type StaticSource []ble.Device

func (s StaticSource) PairedDevices(_ context.Context) ([]ble.Device, error) {
	out := make([]ble.Device, len(s))
	copy(out, s)
	return out, nil
}

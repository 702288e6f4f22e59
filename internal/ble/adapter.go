// Package ble provides the BLE-UART session manager used to talk to a
// locker running Adafruit Bluefruit UART firmware. It handles link
// establishment, UART service readiness, and acknowledged writes over
// Bluetooth Low Energy.
package ble

import (
	"context"
	"strings"
)

// Adafruit Bluefruit (Nordic) UART UUIDs
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTTXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	UARTRXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Characteristic represents a discovered BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in lowercase string form.
	UUID() string
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device identifies a paired BLE peripheral. It is owned by the device
// directory; sessions only borrow it.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// String returns the name when known, falling back to the address.
func (d Device) String() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

func (d Device) empty() bool {
	return strings.TrimSpace(d.Name) == "" && strings.TrimSpace(d.Address) == ""
}

// EventHandler receives asynchronous link events from a Transport.
// Implementations must be safe to call from any goroutine.
type EventHandler interface {
	// OnConnectionStateChanged reports link state. Disconnected while
	// connecting means the connect attempt failed.
	OnConnectionStateChanged(state ConnectionState)
	// OnServicesDiscovered reports the UART characteristics. A nil tx
	// means discovery failed.
	OnServicesDiscovered(tx, rx Characteristic)
	OnWriteCompleted(success bool)
}

// Link is an open transport connection to one device.
type Link interface {
	// WriteCharacteristic submits data to c. It returns once the write is
	// queued; completion is reported later through OnWriteCompleted.
	// Every accepted write gets exactly one completion, and completions
	// arrive in submission order. A write that returns an error gets none.
	WriteCharacteristic(c Characteristic, data []byte) error
	// Close releases the link. Safe to call more than once.
	Close() error
}

// Transport abstracts the platform BLE central role for testing.
type Transport interface {
	// OpenLink starts connecting to d and returns immediately. Progress is
	// delivered to events.
	OpenLink(ctx context.Context, d Device, events EventHandler) (Link, error)
}

// Scanner discovers advertising peripherals.
type Scanner interface {
	// Scan returns devices advertising serviceUUID until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
}

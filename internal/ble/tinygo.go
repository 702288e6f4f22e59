package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// TinyGoTransport wraps tinygo-org/bluetooth. On macOS, device addresses
// are CoreBluetooth UUIDs rather than MAC addresses; Device.Address holds
// whichever form the platform uses.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// mu protects the links map.
	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by normalized address
}

// NewTinyGoTransport creates a transport on the default BLE adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

func addressKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// enable powers on the adapter once and installs the adapter-level
// disconnect handler.
func (t *TinyGoTransport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := addressKey(device.Address.String())
			t.mu.Lock()
			l, ok := t.links[key]
			t.mu.Unlock()
			if ok {
				slog.Warn("[BLE] link dropped", "address", key)
				l.events.OnConnectionStateChanged(StateDisconnected)
			}
		})
	})
	return t.enableErr
}

// Scan discovers peripherals advertising serviceUUID until ctx is done.
// Many peripherals put their name only in the scan response, so a device
// first seen without a name picks it up from a later advertisement.
func (t *TinyGoTransport) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	seen := newScanResults()

	// adapter.Scan blocks until StopScan is called from another goroutine.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := t.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err = t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		mu.Lock()
		defer mu.Unlock()
		seen.observe(result.Address.String(), result.LocalName(), int(result.RSSI), result.HasServiceUUID(uuid))
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return seen.sorted(), nil
}

// scanResults merges advertisements into one Device per address.
type scanResults struct {
	devices []Device
	index   map[string]int // address key -> position in devices
}

func newScanResults() *scanResults {
	return &scanResults{index: make(map[string]int)}
}

// observe records one advertisement. The service UUID only matters on
// first sight; a scan response carrying just the name has no service list.
func (r *scanResults) observe(address, name string, rssi int, hasService bool) {
	key := addressKey(address)
	if i, ok := r.index[key]; ok {
		if r.devices[i].Name == "" {
			r.devices[i].Name = name
		}
		r.devices[i].RSSI = rssi
		return
	}
	if !hasService {
		return
	}
	r.index[key] = len(r.devices)
	r.devices = append(r.devices, Device{Name: name, Address: address, RSSI: rssi})
}

// sorted returns the devices strongest signal first.
func (r *scanResults) sorted() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// OpenLink starts connecting to d in the background and reports progress
// to events. tinygo's Connect cannot be cancelled; closing the link
// before it completes disconnects as soon as it does.
func (t *TinyGoTransport) OpenLink(ctx context.Context, d Device, events EventHandler) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Address == "" {
		return nil, fmt.Errorf("ble: device %s has no address", d)
	}
	if err := t.enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(d.Address)

	l := &tinyGoLink{
		transport: t,
		key:       addressKey(d.Address),
		address:   d.Address,
		name:      d.String(),
		events:    events,
		writes:    make(chan pendingWrite, writeQueueSize),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.links[l.key] = l
	t.mu.Unlock()

	go l.run(addr)
	return l, nil
}

func (t *TinyGoTransport) forget(l *tinyGoLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[l.key] == l {
		delete(t.links, l.key)
	}
}

// Compile-time checks that TinyGoTransport implements Transport and Scanner.
var (
	_ Transport = (*TinyGoTransport)(nil)
	_ Scanner   = (*TinyGoTransport)(nil)
)

type tinyGoLink struct {
	transport *TinyGoTransport
	key       string
	address   string
	name      string
	events    EventHandler

	// writes feeds a single worker so completions are reported in
	// submission order.
	writes    chan pendingWrite
	done      chan struct{}
	startOnce sync.Once

	mu     sync.Mutex
	device *bluetooth.Device
	closed bool
}

type pendingWrite struct {
	char *tinyGoCharacteristic
	data []byte
}

// writeQueueSize bounds writes waiting behind a stalled one.
const writeQueueSize = 16

// run connects, then discovers the UART service, emitting an event after
// each milestone. A failed connect reports Disconnected and a failed
// discovery reports a nil TX characteristic, so the session gives up
// without waiting out its timeout.
func (l *tinyGoLink) run(addr bluetooth.Address) {
	device, err := l.transport.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		slog.Warn("[BLE] connect failed", "device", l.name, "error", err)
		l.events.OnConnectionStateChanged(StateDisconnected)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = device.Disconnect()
		return
	}
	l.device = &device
	l.mu.Unlock()

	l.events.OnConnectionStateChanged(StateConnected)

	tx, rx, err := discoverUART(&device, l.address)
	if err != nil {
		slog.Warn("[BLE] UART discovery failed", "device", l.name, "error", err)
		l.events.OnServicesDiscovered(nil, nil)
		return
	}
	l.events.OnServicesDiscovered(tx, rx)
}

func discoverUART(device *bluetooth.Device, address string) (tx, rx Characteristic, err error) {
	svcUUID, err := bluetooth.ParseUUID(UARTServiceUUID)
	if err != nil {
		return nil, nil, err
	}
	txUUID, err := bluetooth.ParseUUID(UARTTXCharUUID)
	if err != nil {
		return nil, nil, err
	}
	rxUUID, err := bluetooth.ParseUUID(UARTRXCharUUID)
	if err != nil {
		return nil, nil, err
	}

	svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, nil, fmt.Errorf("ble: service %s not found", UARTServiceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID})
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	for i := range chars {
		switch chars[i].UUID() {
		case txUUID:
			tx = &tinyGoCharacteristic{char: &chars[i], address: address}
		case rxUUID:
			rx = &tinyGoCharacteristic{char: &chars[i], address: address}
		}
	}
	if tx == nil {
		return nil, nil, fmt.Errorf("ble: characteristic %s not found", UARTTXCharUUID)
	}
	return tx, rx, nil
}

// WriteCharacteristic queues the write and returns. The outcome is
// reported through OnWriteCompleted once the device responds.
func (l *tinyGoLink) WriteCharacteristic(c Characteristic, data []byte) error {
	tc, ok := c.(*tinyGoCharacteristic)
	if !ok {
		return fmt.Errorf("ble: characteristic %T does not belong to this transport", c)
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	l.startOnce.Do(func() { go l.writeLoop() })

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.writes <- pendingWrite{char: tc, data: buf}:
		return nil
	default:
		return fmt.Errorf("ble: %d writes already waiting on %s", writeQueueSize, l.name)
	}
}

// writeLoop performs queued writes one at a time until the link closes.
func (l *tinyGoLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case w := <-l.writes:
			err := w.char.writeWithResponse(w.data)
			if err != nil {
				slog.Debug("[BLE] write failed", "device", l.name, "error", err)
			}
			l.events.OnWriteCompleted(err == nil)
		}
	}
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	device := l.device
	l.mu.Unlock()

	close(l.done)
	l.transport.forget(l)
	if device != nil {
		return device.Disconnect()
	}
	return nil
}

type tinyGoCharacteristic struct {
	char    *bluetooth.DeviceCharacteristic
	address string // peer address, used to find the BlueZ object on Linux

	mu    sync.Mutex
	bluez dbus.BusObject // resolved on first write (Linux only)
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the single active Session and the transport used to open it.
type Manager struct {
	transport Transport
	opts      Options

	mu     sync.Mutex
	active *Session
}

// NewManager creates a Manager. Zero option fields take their defaults;
// use NoSettle to turn a settle delay off.
func NewManager(transport Transport, opts Options) *Manager {
	if transport == nil {
		panic("ble: NewManager called with nil transport")
	}
	return &Manager{
		transport: transport,
		opts:      opts.withDefaults(),
	}
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Connect opens a UART session to d, replacing any active session. It
// blocks until the UART service is ready or a timeout passes. On failure
// the transport link is closed before returning.
func (m *Manager) Connect(ctx context.Context, d Device) (*Session, error) {
	if d.empty() {
		return nil, opError("connect", d, ErrInvalidDevice)
	}

	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.mu.Unlock()
	if prev != nil {
		slog.Info("[BLE] closing previous session", "device", prev.Device().String())
		_ = prev.Close()
	}

	s := newSession(d, m.opts)
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	slog.Info("[BLE] connecting", "device", d.String(), "address", d.Address)
	link, err := m.transport.OpenLink(ctx, d, s)
	if err != nil {
		return nil, opError("connect", d, fmt.Errorf("open link: %w", err))
	}
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	if err := m.handshake(ctx, s); err != nil {
		_ = s.Close()
		return nil, opError("connect", d, err)
	}

	if rx := s.rxChar(); rx != nil {
		if err := rx.Subscribe(s.deliverReply); err != nil {
			slog.Warn("[BLE] subscribe to RX failed, replies unavailable", "device", d.String(), "error", err)
		}
	}

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	slog.Info("[BLE] UART ready", "device", d.String())
	return s, nil
}

// handshake waits for the link and then for the UART service, with the
// settle delays in between.
func (m *Manager) handshake(ctx context.Context, s *Session) error {
	// A drop back to Disconnected means the transport already gave up.
	err := s.waitFor(ctx, m.opts.ConnectTimeout, func() bool { return s.state != StateConnecting })
	if errors.Is(err, errWaitTimeout) {
		slog.Warn("[BLE] connect timed out", "device", s.device.String(), "timeout", m.opts.ConnectTimeout)
		return ErrConnectTimeout
	}
	if err != nil {
		return err
	}
	if s.State() != StateConnected {
		slog.Warn("[BLE] connect failed", "device", s.device.String())
		return ErrConnectTimeout
	}

	slog.Debug("[BLE] connected, settling", "device", s.device.String(), "delay", m.opts.PostConnectSettle)
	if err := settle(ctx, m.opts.PostConnectSettle); err != nil {
		return err
	}

	err = s.waitFor(ctx, m.opts.DiscoveryTimeout, func() bool {
		return s.uartReady || s.discoveryFailed || s.state != StateConnected
	})
	if errors.Is(err, errWaitTimeout) {
		slog.Warn("[BLE] UART service not found", "device", s.device.String(), "timeout", m.opts.DiscoveryTimeout)
		return ErrUnsupportedDevice
	}
	if err != nil {
		return err
	}
	if !s.Ready() {
		slog.Warn("[BLE] UART discovery failed", "device", s.device.String(), "state", s.State())
		return ErrUnsupportedDevice
	}

	return settle(ctx, m.opts.PostDiscoverySettle)
}

// Send forwards payload to the active session.
func (m *Manager) Send(ctx context.Context, payload string) error {
	s := m.Active()
	if s == nil {
		return opError("send", Device{}, ErrNotReady)
	}
	return s.Send(ctx, payload)
}

// Close releases the active session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

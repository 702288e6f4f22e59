package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/locker-controller/internal/ble/protocol"
)

// ConnectionState is the link state reported by the transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// NoSettle disables a settle delay. A zero settle takes the default.
const NoSettle time.Duration = -1

// Options configures session timing. The settle delays are empirical:
// real hardware fails discovery or the first write without them, so zero
// means default and a negative value such as NoSettle turns one off.
type Options struct {
	ConnectTimeout      time.Duration // wait for the link to report connected
	PostConnectSettle   time.Duration // pause after connect before discovery (default 2s)
	DiscoveryTimeout    time.Duration // wait for the UART service
	PostDiscoverySettle time.Duration // pause after discovery before the first send (default 500ms)
	SendTimeout         time.Duration // wait for each write acknowledgment
	MaxWriteBytes       int           // payload bytes per write (default 20)
	ReplyBuffer         int           // buffered RX notifications (default 16)
}

// DefaultOptions returns the timings used against real lockers.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      10 * time.Second,
		PostConnectSettle:   2 * time.Second,
		DiscoveryTimeout:    5 * time.Second,
		PostDiscoverySettle: 500 * time.Millisecond,
		SendTimeout:         1500 * time.Millisecond,
		MaxWriteBytes:       protocol.MaxWriteBytes,
		ReplyBuffer:         16,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	o.PostConnectSettle = settleOrDefault(o.PostConnectSettle, def.PostConnectSettle)
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = def.DiscoveryTimeout
	}
	o.PostDiscoverySettle = settleOrDefault(o.PostDiscoverySettle, def.PostDiscoverySettle)
	if o.SendTimeout <= 0 {
		o.SendTimeout = def.SendTimeout
	}
	if o.MaxWriteBytes <= 0 {
		o.MaxWriteBytes = def.MaxWriteBytes
	}
	if o.ReplyBuffer <= 0 {
		o.ReplyBuffer = def.ReplyBuffer
	}
	return o
}

func settleOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

var errWaitTimeout = errors.New("wait timed out")

// Session is one attempt to use a single locker. It owns the transport
// link and implements EventHandler for it.
type Session struct {
	device Device
	opts   Options

	mu              sync.Mutex
	changed         chan struct{} // closed and replaced on every state change
	link            Link
	state           ConnectionState
	uartReady       bool
	discoveryFailed bool
	tx              Characteristic
	rx              Characteristic
	writeAcked      bool
	writeCompleted  bool
	closed          bool

	// Completions carry no write identity. The transport reports them in
	// submission order, so the n-th completion belongs to the n-th
	// submitted write; only the one matching currentWrite counts.
	writesSubmitted uint64
	writesCompleted uint64
	currentWrite    uint64 // 0 when no send is waiting

	sending   atomic.Bool
	closeOnce sync.Once
	replies   chan []byte
}

// Compile-time check that Session implements EventHandler.
var _ EventHandler = (*Session)(nil)

func newSession(d Device, opts Options) *Session {
	return &Session{
		device:  d,
		opts:    opts,
		changed: make(chan struct{}),
		replies: make(chan []byte, opts.ReplyBuffer),
	}
}

// Device returns the device this session talks to.
func (s *Session) Device() Device { return s.device }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the UART service has been discovered.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uartReady
}

func (s *Session) rxChar() Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx
}

// Replies returns RX notifications from the locker. Replies are dropped
// when the buffer is full.
func (s *Session) Replies() <-chan []byte { return s.replies }

// OnConnectionStateChanged records the new link state.
func (s *Session) OnConnectionStateChanged(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	slog.Debug("[BLE] connection state changed", "device", s.device.String(), "from", s.state, "to", state)
	s.state = state
	s.notifyLocked()
}

// OnServicesDiscovered stores the UART characteristics and marks the
// session ready. Ignored unless connected. A nil tx reports that the
// UART service could not be discovered.
func (s *Session) OnServicesDiscovered(tx, rx Characteristic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.state != StateConnected {
		slog.Warn("[BLE] services discovered while not connected, ignoring", "device", s.device.String(), "state", s.state)
		return
	}
	if tx == nil {
		slog.Warn("[BLE] services discovered without TX characteristic", "device", s.device.String())
		if !s.uartReady {
			s.discoveryFailed = true
			s.notifyLocked()
		}
		return
	}
	s.tx = tx
	s.rx = rx
	s.uartReady = true
	s.notifyLocked()
}

// OnWriteCompleted records the outcome of the oldest outstanding write.
// Completions for writes whose send already gave up are counted but never
// read as the outcome of a later write.
func (s *Session) OnWriteCompleted(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writesCompleted >= s.writesSubmitted {
		slog.Debug("[BLE] write completion with no write outstanding, ignoring", "device", s.device.String(), "success", success)
		return
	}
	s.writesCompleted++
	if s.writesCompleted != s.currentWrite {
		slog.Debug("[BLE] late write completion", "device", s.device.String(),
			"write", s.writesCompleted, "current", s.currentWrite, "success", success)
		return
	}
	s.writeAcked = success
	s.writeCompleted = true
	s.notifyLocked()
}

// notifyLocked wakes every waiter (caller must hold mu).
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitFor blocks until cond holds, the timeout passes, ctx is done or the
// session closes. cond is evaluated with mu held.
func (s *Session) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if cond() {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			s.mu.Lock()
			ok := cond()
			s.mu.Unlock()
			if ok {
				return nil
			}
			return errWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// settle pauses for d unless ctx is done first.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes payload to the TX characteristic and waits for each write
// to be acknowledged. A send timeout leaves the session usable; the
// payload is not retried.
func (s *Session) Send(ctx context.Context, payload string) error {
	if payload == "" {
		return nil
	}
	if !s.sending.CompareAndSwap(false, true) {
		return opError("send", s.device, ErrBusy)
	}
	defer s.sending.Store(false)

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return opError("send", s.device, ErrSessionClosed)
	case !s.uartReady || s.state != StateConnected:
		s.mu.Unlock()
		return opError("send", s.device, ErrNotReady)
	}
	s.mu.Unlock()

	chunks := protocol.ChunkPayload(payload, s.opts.MaxWriteBytes)
	slog.Info("[BLE] sending", "device", s.device.String(), "bytes", len(payload), "writes", len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return opError("send", s.device, err)
		}
		if err := s.writeChunk(ctx, chunk); err != nil {
			slog.Warn("[BLE] send failed", "device", s.device.String(), "error", err)
			return opError("send", s.device, err)
		}
	}
	slog.Info("[BLE] send acknowledged", "device", s.device.String())
	return nil
}

// writeChunk submits one write and waits for its completion event.
func (s *Session) writeChunk(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.writeAcked = false
	s.writeCompleted = false
	s.writesSubmitted++
	s.currentWrite = s.writesSubmitted
	link, tx := s.link, s.tx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.currentWrite = 0
		s.mu.Unlock()
	}()

	if err := link.WriteCharacteristic(tx, data); err != nil {
		// Nothing was queued, so no completion will follow.
		s.mu.Lock()
		s.writesSubmitted--
		s.mu.Unlock()
		return err
	}

	err := s.waitFor(ctx, s.opts.SendTimeout, func() bool { return s.writeCompleted })
	if errors.Is(err, errWaitTimeout) {
		return ErrUnacknowledged
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	acked := s.writeAcked
	s.mu.Unlock()
	if !acked {
		return ErrUnacknowledged
	}
	return nil
}

// deliverReply forwards an RX notification without blocking the
// transport callback.
func (s *Session) deliverReply(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.replies <- cp:
	default:
		slog.Warn("[BLE] reply buffer full, dropping notification", "device", s.device.String(), "bytes", len(data))
	}
}

// Close releases the transport link. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		link := s.link
		s.closed = true
		s.state = StateDisconnected
		s.notifyLocked()
		s.mu.Unlock()

		if link != nil {
			err = link.Close()
		}
		slog.Info("[BLE] session closed", "device", s.device.String())
	})
	return err
}

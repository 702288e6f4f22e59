package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectSuccess(t *testing.T) {
	// Discovery lands 6ms after connect, while the 40ms post-connect
	// settle is still running, so the discovery wait finds it done.
	tr := newMockTransport(respondAfter(20*time.Millisecond, 6*time.Millisecond))
	m, s := mustConnect(t, tr)

	if !s.Ready() {
		t.Error("session should be UART ready after Connect()")
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if m.Active() != s {
		t.Error("Active() should return the connected session")
	}
	if n := tr.latestLink().closeCount(); n != 0 {
		t.Errorf("link closed %d times on success, want 0", n)
	}
}

func TestConnectAppliesSettleDelays(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	opts := testOptions()

	start := time.Now()
	m := NewManager(tr, opts)
	if _, err := m.Connect(context.Background(), testDevice); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	elapsed := time.Since(start)

	want := opts.PostConnectSettle + opts.PostDiscoverySettle
	if elapsed < want {
		t.Errorf("Connect() returned after %v, want at least %v of settle delay", elapsed, want)
	}
}

func TestConnectDiscoveryAfterSettle(t *testing.T) {
	// Discovery lands after the post-connect settle but inside the
	// discovery timeout.
	tr := newMockTransport(respondAfter(10*time.Millisecond, 80*time.Millisecond))
	_, s := mustConnect(t, tr)
	if !s.Ready() {
		t.Error("session should be ready")
	}
}

func TestConnectTimeout(t *testing.T) {
	tr := newMockTransport(nil) // never signals Connected
	m := NewManager(tr, testOptions())

	start := time.Now()
	s, err := m.Connect(context.Background(), testDevice)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if s != nil {
		t.Error("Connect() should return a nil session on failure")
	}
	if elapsed < testOptions().ConnectTimeout {
		t.Errorf("Connect() gave up after %v, before the %v timeout", elapsed, testOptions().ConnectTimeout)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
	if m.Active() != nil {
		t.Error("Active() should be nil after a failed connect")
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("error %T is not *OpError", err)
	}
	if opErr.Op != "connect" || opErr.Device != testDevice {
		t.Errorf("OpError = {%q, %v}, want {connect, %v}", opErr.Op, opErr.Device, testDevice)
	}
}

func TestConnectUnsupportedDevice(t *testing.T) {
	tr := newMockTransport(connectOnly(10 * time.Millisecond))
	m := NewManager(tr, testOptions())

	_, err := m.Connect(context.Background(), testDevice)
	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("Connect() error = %v, want ErrUnsupportedDevice", err)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestConnectFailureEndsWaitEarly(t *testing.T) {
	tr := newMockTransport(failConnect(10 * time.Millisecond))
	m := NewManager(tr, testOptions())

	start := time.Now()
	_, err := m.Connect(context.Background(), testDevice)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if elapsed >= testOptions().ConnectTimeout {
		t.Errorf("Connect() waited %v, a failed connect should end the wait early", elapsed)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestDiscoveryFailureEndsWaitEarly(t *testing.T) {
	tr := newMockTransport(failDiscovery(0, 10*time.Millisecond))
	opts := testOptions()
	m := NewManager(tr, opts)

	start := time.Now()
	_, err := m.Connect(context.Background(), testDevice)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrUnsupportedDevice) {
		t.Fatalf("Connect() error = %v, want ErrUnsupportedDevice", err)
	}
	if limit := opts.PostConnectSettle + opts.DiscoveryTimeout; elapsed >= limit {
		t.Errorf("Connect() waited %v, a failed discovery should end the wait before %v", elapsed, limit)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestConnectCancelled(t *testing.T) {
	tr := newMockTransport(nil)
	m := NewManager(tr, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := m.Connect(ctx, testDevice)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() error = %v, want context.Canceled", err)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestConnectCancelledDuringSettle(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	opts := testOptions()
	opts.PostConnectSettle = time.Second
	m := NewManager(tr, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Connect(ctx, testDevice)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Connect() ignored cancellation during settle, took %v", elapsed)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestConnectOpenLinkError(t *testing.T) {
	tr := newMockTransport(nil)
	tr.openErr = errors.New("adapter off")
	m := NewManager(tr, testOptions())

	_, err := m.Connect(context.Background(), testDevice)
	if err == nil {
		t.Fatal("Connect() should fail when the link cannot be opened")
	}
	if tr.latestLink() != nil {
		t.Error("no link should have been recorded")
	}
}

func TestConnectInvalidDevice(t *testing.T) {
	m := NewManager(newMockTransport(nil), testOptions())
	_, err := m.Connect(context.Background(), Device{Name: "  "})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("Connect() error = %v, want ErrInvalidDevice", err)
	}
}

func TestConnectReplacesActiveSession(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	m, first := mustConnect(t, tr)
	firstLink := tr.latestLink()

	second, err := m.Connect(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if firstLink.closeCount() != 1 {
		t.Errorf("previous link closed %d times, want 1", firstLink.closeCount())
	}
	if first.State() != StateDisconnected {
		t.Errorf("previous session state = %v, want %v", first.State(), StateDisconnected)
	}
	if m.Active() != second {
		t.Error("Active() should be the new session")
	}
}

func TestConnectDeliversReplies(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	_, s := mustConnect(t, tr)

	tr.rx.SimulateNotification([]byte("OK"))

	select {
	case got := <-s.Replies():
		if string(got) != "OK" {
			t.Errorf("reply = %q, want %q", got, "OK")
		}
	case <-time.After(time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestConnectSubscribeFailureNotFatal(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	tr.rx.subscribeErr = errors.New("notify unsupported")
	_, s := mustConnect(t, tr)
	if !s.Ready() {
		t.Error("session should be ready even without RX notifications")
	}
}

func TestManagerClose(t *testing.T) {
	tr := newMockTransport(respondAfter(0, 0))
	m, _ := mustConnect(t, tr)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if n := tr.latestLink().closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
	if m.Active() != nil {
		t.Error("Active() should be nil after Close()")
	}
}

func TestManagerSendWithoutSession(t *testing.T) {
	m := NewManager(newMockTransport(nil), testOptions())
	err := m.Send(context.Background(), "OPEN1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ConnectTimeout", opts.ConnectTimeout, 10 * time.Second},
		{"PostConnectSettle", opts.PostConnectSettle, 2 * time.Second},
		{"DiscoveryTimeout", opts.DiscoveryTimeout, 5 * time.Second},
		{"PostDiscoverySettle", opts.PostDiscoverySettle, 500 * time.Millisecond},
		{"SendTimeout", opts.SendTimeout, 1500 * time.Millisecond},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if opts.MaxWriteBytes != 20 {
		t.Errorf("MaxWriteBytes = %d, want 20", opts.MaxWriteBytes)
	}
}

func TestOptionsWithDefaultsFillsZeroFields(t *testing.T) {
	got := Options{SendTimeout: time.Second}.withDefaults()
	if got.SendTimeout != time.Second {
		t.Errorf("SendTimeout = %v, want 1s (explicit value kept)", got.SendTimeout)
	}
	if got.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", got.ConnectTimeout)
	}
	if got.PostConnectSettle != 2*time.Second {
		t.Errorf("PostConnectSettle = %v, want 2s", got.PostConnectSettle)
	}
	if got.PostDiscoverySettle != 500*time.Millisecond {
		t.Errorf("PostDiscoverySettle = %v, want 500ms", got.PostDiscoverySettle)
	}
}

func TestOptionsNoSettle(t *testing.T) {
	got := Options{PostConnectSettle: NoSettle, PostDiscoverySettle: NoSettle}.withDefaults()
	if got.PostConnectSettle != 0 || got.PostDiscoverySettle != 0 {
		t.Errorf("settles = %v, %v; want 0, 0", got.PostConnectSettle, got.PostDiscoverySettle)
	}

	got = Options{PostConnectSettle: 300 * time.Millisecond}.withDefaults()
	if got.PostConnectSettle != 300*time.Millisecond {
		t.Errorf("PostConnectSettle = %v, want 300ms (explicit value kept)", got.PostConnectSettle)
	}
}

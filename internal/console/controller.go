package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/locker-controller/internal/ble"
)

// Resolver is the device directory as seen by the controller.
type Resolver interface {
	ListPairedDevices(ctx context.Context) ([]ble.Device, error)
	FindByName(ctx context.Context, name string) (ble.Device, error)
}

// Link is a connected locker session.
type Link interface {
	Device() ble.Device
	Send(ctx context.Context, payload string) error
	Replies() <-chan []byte
	Close() error
}

// Connector opens a Link to a device.
type Connector interface {
	Connect(ctx context.Context, d ble.Device) (Link, error)
}

type managerConnector struct{ m *ble.Manager }

func (c managerConnector) Connect(ctx context.Context, d ble.Device) (Link, error) {
	s, err := c.m.Connect(ctx, d)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ManagerConnector adapts a ble.Manager to Connector.
func ManagerConnector(m *ble.Manager) Connector {
	return managerConnector{m: m}
}

// Controller drives the select, connect and send flow and reports every
// outcome to out.
type Controller struct {
	dir  Resolver
	conn Connector

	outMu sync.Mutex
	out   io.Writer

	mu        sync.Mutex
	link      Link
	stopRelay chan struct{}
}

// NewController creates a Controller. Panics if dir or conn is nil
// (programmer error).
func NewController(dir Resolver, conn Connector, out io.Writer) *Controller {
	if dir == nil || conn == nil {
		panic("console: NewController called with nil dependency")
	}
	return &Controller{dir: dir, conn: conn, out: out}
}

func (c *Controller) show(m Message) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	Popup(c.out, m)
}

func (c *Controller) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// CheckPaired reports whether any device is paired, showing a notice
// when none is.
func (c *Controller) CheckPaired(ctx context.Context) (bool, error) {
	devices, err := c.dir.ListPairedDevices(ctx)
	if err != nil {
		c.show(Describe(err, "", ""))
		return false, err
	}
	if len(devices) == 0 {
		c.show(noPairedDevices)
		return false, nil
	}
	return true, nil
}

// ListDevices prints the paired devices.
func (c *Controller) ListDevices(ctx context.Context) error {
	ok, err := c.CheckPaired(ctx)
	if err != nil || !ok {
		return err
	}
	devices, err := c.dir.ListPairedDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		c.printf("  %-24s %s\n", d.Name, d.Address)
	}
	return nil
}

// Select resolves name to a paired device and connects to it, replacing
// any current link.
func (c *Controller) Select(ctx context.Context, name string) error {
	slog.Debug("[UI] device name entered", "name", name)
	dev, err := c.dir.FindByName(ctx, name)
	if err != nil {
		c.show(Describe(err, name, ""))
		return err
	}

	c.closeLink()
	c.printf("Connecting to %s...\n", dev)
	link, err := c.conn.Connect(ctx, dev)
	if err != nil {
		c.show(Describe(err, dev.String(), ""))
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.link = link
	c.stopRelay = stop
	c.mu.Unlock()
	go c.relayReplies(link, stop)

	c.show(Message{Kind: KindInfo, Title: "Connected", Body: fmt.Sprintf("%s is ready for commands.", dev)})
	return nil
}

// Send transmits cmd over the current link. A failed send is reported
// but leaves the link in place.
func (c *Controller) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		err := fmt.Errorf("console: send %q: %w", cmd, ble.ErrNotReady)
		c.show(Describe(err, "", cmd))
		return err
	}

	if err := link.Send(ctx, cmd); err != nil {
		c.show(Describe(err, link.Device().String(), cmd))
		return err
	}
	c.printf("Sent %q\n", cmd)
	return nil
}

// relayReplies prints notifications from link until stop is closed.
func (c *Controller) relayReplies(link Link, stop <-chan struct{}) {
	replies := link.Replies()
	for {
		select {
		case <-stop:
			return
		case data := <-replies:
			c.printf("%s> %s\n", link.Device(), strings.TrimRight(string(data), "\r\n"))
		}
	}
}

func (c *Controller) closeLink() {
	c.mu.Lock()
	link, stop := c.link, c.stopRelay
	c.link, c.stopRelay = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if link != nil {
		if err := link.Close(); err != nil {
			slog.Warn("[UI] closing link failed", "device", link.Device().String(), "error", err)
		}
	}
}

// Close releases the current link.
func (c *Controller) Close() error {
	c.closeLink()
	return nil
}

const helpText = `Commands:
  use NAME    connect to the paired device NAME
  list        show paired devices
  help        show this help
  quit        exit
Any other line is sent to the connected device.
`

// Run reads commands from r until EOF, "quit" or ctx is done. When
// prompt is set a "> " prompt is printed before each line.
func (c *Controller) Run(ctx context.Context, r io.Reader, prompt bool) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		if prompt {
			c.printf("> ")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if done := c.handle(ctx, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

// handle runs one command line and reports whether the loop should end.
// Errors are already shown to the user.
func (c *Controller) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", helpText)
	case "list":
		_ = c.ListDevices(ctx)
	case "use":
		_ = c.Select(ctx, strings.TrimSpace(arg))
	default:
		_ = c.Send(ctx, line)
	}
	return false
}

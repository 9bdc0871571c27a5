package dbus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/d12fk/dbus-asio/auth"
	"github.com/d12fk/dbus-asio/transport"
	"go.uber.org/zap"
)

const (
	ifaceBus = "org.freedesktop.DBus"
	pathBus  = ObjectPath("/org/freedesktop/DBus")
	nameBus  = "org.freedesktop.DBus"
)

// ConnOptions configures [Dial], [SessionBus] and [SystemBus].
type ConnOptions struct {
	// Logger receives structured debug and warning events: the
	// completed auth handshake, unmatched replies, errors and signals,
	// read errors, replies that failed to send, and an outgoing
	// allow_interactive_auth flag being masked off. If nil, a no-op
	// logger is used.
	Logger *zap.Logger
	// DialTimeout bounds the socket connect and auth exchange. Zero
	// means no timeout.
	DialTimeout time.Duration
}

func (o ConnOptions) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger.Sugar()
}

// Conn is a DBus connection: one AF_UNIX socket, one auth handshake,
// and one multiplexer driving a dedicated read-loop goroutine. Replies,
// errors and signals are dispatched on that goroutine; inbound method
// calls are handed to a worker pool so a slow handler does not stall
// the read loop.
type Conn struct {
	t    *transport.Transport
	mux  *mux
	log  *zap.SugaredLogger
	name string // unique bus name assigned by Hello

	claimsMu   sync.Mutex
	claims     mapset.Set[*Claim]
	claimWatch bool
}

// Dial connects to the DBus server listening at path (a filesystem
// path, or an abstract path written with a leading '@'), authenticates
// with EXTERNAL, starts the multiplexer, and calls Hello.
func Dial(ctx context.Context, path string, opts ...ConnOptions) (*Conn, error) {
	var opt ConnOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	log := opt.logger()

	if opt.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.DialTimeout)
		defer cancel()
	}

	t, err := transport.Connect(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dbus: connecting to %s: %w", path, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		t.SetDeadline(dl)
	}
	handshake := auth.New(t)
	if err := handshake.Run(); err != nil {
		t.Close()
		return nil, fmt.Errorf("dbus: authenticating: %w", err)
	}
	t.SetDeadline(time.Time{})
	log.Debugw("authenticated", "guid", handshake.GUID())

	c := &Conn{
		t:   t,
		mux: newMux(t, log),
		log: log,
	}
	go c.mux.readLoop()

	resp, err := c.mux.call(ctx, c.warn, nameBus, pathBus, ifaceBus, "Hello", nil, false)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dbus: Hello: %w", err)
	}
	if len(resp) != 1 {
		c.Close()
		return nil, fmt.Errorf("dbus: Hello returned %d values, want 1", len(resp))
	}
	name, err := resp[0].Str()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dbus: Hello response: %w", err)
	}
	c.name = name

	return c, nil
}

// SystemBus connects to the well-known system bus socket, or the one
// named by DBUS_SYSTEM_BUS_ADDRESS if set.
func SystemBus(ctx context.Context, opts ...ConnOptions) (*Conn, error) {
	path := "/var/run/dbus/system_bus_socket"
	if env := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); env != "" {
		if addr, ok := parseBusAddress(env); ok {
			path = addr
		}
	}
	return Dial(ctx, path, opts...)
}

// SessionBus connects to the bus named by DBUS_SESSION_BUS_ADDRESS.
func SessionBus(ctx context.Context, opts ...ConnOptions) (*Conn, error) {
	env := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if env == "" {
		return nil, fmt.Errorf("dbus: session bus not available: DBUS_SESSION_BUS_ADDRESS is unset")
	}
	addr, ok := parseBusAddress(env)
	if !ok {
		return nil, fmt.Errorf("dbus: could not find a usable address in DBUS_SESSION_BUS_ADDRESS=%q", env)
	}
	return Dial(ctx, addr, opts...)
}

// parseBusAddress extracts the first unix:path= or unix:abstract=
// address from a semicolon-separated D-Bus address string.
func parseBusAddress(s string) (string, bool) {
	for _, uri := range strings.Split(s, ";") {
		if addr, ok := strings.CutPrefix(uri, "unix:path="); ok {
			if i := strings.IndexByte(addr, ','); i >= 0 {
				addr = addr[:i]
			}
			return addr, true
		}
		if addr, ok := strings.CutPrefix(uri, "unix:abstract="); ok {
			if i := strings.IndexByte(addr, ','); i >= 0 {
				addr = addr[:i]
			}
			return "@" + addr, true
		}
	}
	return "", false
}

func (c *Conn) warn(msg string) { c.log.Warn(msg) }

// LocalName returns the connection's unique bus name, assigned by
// Hello.
func (c *Conn) LocalName() string { return c.name }

// Stats returns a snapshot of the connection's message traffic.
func (c *Conn) Stats() Stats { return c.mux.snapshot() }

// Close disconnects. Every pending call returns [Disconnected] and
// every registered signal handler fires exactly once with a nil
// message. Registered method-call handlers and the error sink are not
// invoked.
func (c *Conn) Close() error {
	err := c.t.Close()
	c.mux.drain()
	c.mux.resetSerial()
	return err
}

// Peer returns a handle for the given bus name. The returned value is
// a purely local handle; it does not indicate the peer exists.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

// call is the shared low-level send path used by Interface.Call and
// Interface.OneWay.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, args []Value, oneWay bool) ([]Value, error) {
	return c.mux.call(ctx, c.warn, destination, path, iface, method, args, oneWay)
}

// SendSignal broadcasts a signal from obj on iface.
func (c *Conn) SendSignal(ctx context.Context, obj ObjectPath, iface, member string, body []Value) error {
	msg := &Message{
		Type:      msgTypeSignal,
		Serial:    c.mux.nextSerial(),
		Path:      obj,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
	return c.mux.send(msg, c.warn)
}

// ReceiveMethodCall registers fn to answer the next call to
// iface.member. An empty member matches any member of iface; both
// empty is the connection's catch-all handler. Registration is
// one-shot: fn is removed as soon as it is matched, so a handler that
// wants to keep answering calls must re-register itself as its first
// action (calls run concurrently, so one that arrives before the
// re-registration finds no handler).
func (c *Conn) ReceiveMethodCall(iface, member string, fn MethodHandler) {
	c.mux.HandleMethod(iface, member, fn)
}

// ReceiveSignal registers fn to receive the next signal matching
// iface.member. The registration is one-shot; fn typically
// re-registers itself to keep receiving.
func (c *Conn) ReceiveSignal(iface, member string, fn SignalHandler) {
	c.mux.HandleSignal(iface, member, fn)
}

// CancelReceiveSignal removes a registered signal handler without
// firing it.
func (c *Conn) CancelReceiveSignal(iface, member string) {
	c.mux.CancelSignal(iface, member)
}

// ReceiveError installs the single error-sink handler for unmatched
// inbound error messages.
func (c *Conn) ReceiveError(fn func(*Message)) {
	c.mux.HandleError(fn)
}

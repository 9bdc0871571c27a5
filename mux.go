package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	"github.com/d12fk/dbus-asio/fragments"
	"github.com/d12fk/dbus-asio/transport"
	"go.uber.org/zap"
)

// Stats is a point-in-time snapshot of a connection's message
// traffic, broken down by message kind.
type Stats struct {
	CallsSent       uint64
	ReturnsSent     uint64
	ErrorsSent      uint64
	SignalsSent     uint64
	CallsReceived   uint64
	ReturnsReceived uint64
	ErrorsReceived  uint64
	SignalsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// MethodHandler answers an incoming method call. The returned values
// become the body of the method_return; a non-nil error becomes an
// error reply instead. It is unregistered before being invoked
// (one-shot); callers that want to keep answering calls re-register
// from inside the handler, the same way a persistent SignalHandler
// does.
type MethodHandler func(ctx context.Context, msg *Message) ([]Value, error)

// SignalHandler receives a broadcast signal. It is unregistered
// before being invoked (one-shot); callers that want a persistent
// subscription re-register from inside the handler. A nil msg means
// the connection closed while the handler was still registered.
type SignalHandler func(msg *Message)

type pendingCall struct {
	done  chan struct{}
	reply *Message
	err   error
}

// mux is the message multiplexer: it owns the transport, the four
// handler tables, the statistics block, and the outbound serial
// counter. One mux drives exactly one Conn's read loop goroutine.
type mux struct {
	t   *transport.Transport
	log *zap.SugaredLogger

	writeMu sync.Mutex
	order   fragments.ByteOrder

	serial atomic.Uint32

	mu      sync.Mutex
	closed  bool
	calls   map[uint32]*pendingCall
	methods map[string]MethodHandler
	signals map[string]SignalHandler
	errSink func(*Message)
	stats   Stats

	pool *taskgroup.Group
}

func newMux(t *transport.Transport, log *zap.SugaredLogger) *mux {
	return &mux{
		t:       t,
		log:     log,
		order:   fragments.NativeEndian,
		calls:   map[uint32]*pendingCall{},
		methods: map[string]MethodHandler{},
		signals: map[string]SignalHandler{},
		pool:    taskgroup.New(nil),
	}
}

// nextSerial draws the next outbound serial. Serial 0 is reserved by
// the protocol and is never produced.
func (m *mux) nextSerial() uint32 {
	return m.serial.Add(1)
}

func (m *mux) resetSerial() { m.serial.Store(0) }

func methodKey(iface, member string) string { return iface + "." + member }

// registerCall installs the reply handler for serial before the
// corresponding write is issued, so a reply can never race its own
// registration.
func (m *mux) registerCall(serial uint32) *pendingCall {
	pc := &pendingCall{done: make(chan struct{})}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[serial] = pc
	return pc
}

func (m *mux) releaseCall(serial uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, serial)
}

// HandleMethod registers fn to answer calls to iface.member. An empty
// member matches any member of iface; an empty iface (with an empty
// member) is the catch-all handler used when no more specific match
// exists.
func (m *mux) HandleMethod(iface, member string, fn MethodHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[methodKey(iface, member)] = fn
}

// HandleSignal registers fn to receive the next signal matching
// iface.member exactly (iface and member both empty is the catch-all,
// used when no exact match exists; there is no interface-only
// fallback). The handler is one-shot.
func (m *mux) HandleSignal(iface, member string, fn SignalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[methodKey(iface, member)] = fn
}

// CancelSignal removes a registered signal handler without firing it.
func (m *mux) CancelSignal(iface, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, methodKey(iface, member))
}

// HandleError installs the single error-sink handler for unmatched
// inbound error messages.
func (m *mux) HandleError(fn func(*Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errSink = fn
}

func (m *mux) send(msg *Message, warn func(string)) error {
	data, fds, err := EncodeMessage(msg, m.order, warn)
	if err != nil {
		return err
	}
	files := make([]*os.File, 0, len(fds))
	for _, fd := range fds {
		files = append(files, fd.File())
	}

	m.writeMu.Lock()
	_, werr := m.t.WriteWithFiles(data, files)
	m.writeMu.Unlock()
	if werr != nil {
		return &IOError{Reason: werr}
	}

	m.mu.Lock()
	m.stats.BytesSent += uint64(len(data))
	switch msg.Type {
	case msgTypeCall:
		m.stats.CallsSent++
	case msgTypeReturn:
		m.stats.ReturnsSent++
	case msgTypeError:
		m.stats.ErrorsSent++
	case msgTypeSignal:
		m.stats.SignalsSent++
	}
	m.mu.Unlock()
	return nil
}

// call sends a method call and, unless noReply is set, blocks until
// the matching reply or error arrives, ctx is done, or the connection
// closes.
func (m *mux) call(ctx context.Context, warn func(string), destination string, path ObjectPath, iface, method string, body []Value, noReply bool) ([]Value, error) {
	serial := m.nextSerial()

	msg := &Message{
		Type:        msgTypeCall,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      method,
		Body:        body,
	}
	if noReply {
		msg.Flags |= flagNoReplyExpected
		if err := m.send(msg, warn); err != nil {
			return nil, err
		}
		return nil, nil
	}

	pc := m.registerCall(serial)
	if err := m.send(msg, warn); err != nil {
		m.releaseCall(serial)
		return nil, err
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return nil, pc.err
		}
		return pc.reply.Body, nil
	case <-ctx.Done():
		m.releaseCall(serial)
		return nil, ctx.Err()
	}
}

// readLoop peeks each message's fixed header to learn its full length
// before reading the rest, and runs until the transport reports the
// remote closed the socket, at which point every pending handler is
// released with an empty outcome.
func (m *mux) readLoop() {
	for {
		msg, err := m.readOne()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, errPeerClosed) {
				m.drain()
				return
			}
			m.log.Warnw("read error, disconnecting", "error", err)
			m.drain()
			return
		}
		m.dispatch(msg)
	}
}

var errPeerClosed = errors.New("dbus: peer closed connection")

func (m *mux) readOne() (*Message, error) {
	peek, err := m.t.Peek()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errPeerClosed
		}
		return nil, err
	}

	order, total, err := PeekHeader(peek)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, total)
	if _, err := m.t.Read(buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errPeerClosed
		}
		return nil, err
	}

	numFDs, err := PeekFDCount(buf, order)
	if err != nil {
		return nil, err
	}
	var fds []*FD
	if numFDs > 0 {
		files, err := m.t.GetFiles(numFDs)
		if err != nil {
			return nil, &ProtocolError{Reason: err}
		}
		fds = make([]*FD, len(files))
		for i, f := range files {
			fds[i] = NewFD(f)
		}
	}

	msg, err := DecodeMessage(buf, order, fds)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stats.BytesReceived += uint64(total)
	m.mu.Unlock()
	return msg, nil
}

func (m *mux) dispatch(msg *Message) {
	m.mu.Lock()
	switch msg.Type {
	case msgTypeCall:
		m.stats.CallsReceived++
	case msgTypeReturn:
		m.stats.ReturnsReceived++
	case msgTypeError:
		m.stats.ErrorsReceived++
	case msgTypeSignal:
		m.stats.SignalsReceived++
	}
	m.mu.Unlock()

	switch msg.Type {
	case msgTypeReturn:
		m.dispatchReturn(msg, nil)
	case msgTypeError:
		m.dispatchReturn(msg, &CallError{Name: msg.ErrorName, Detail: errBody(msg)})
	case msgTypeCall:
		m.pool.Go(func() error { m.dispatchCall(msg); return nil })
	case msgTypeSignal:
		m.dispatchSignal(msg)
	}
}

func errBody(msg *Message) string {
	if len(msg.Body) == 0 {
		return ""
	}
	if s, err := msg.Body[0].Str(); err == nil {
		return s
	}
	return ""
}

func (m *mux) dispatchReturn(msg *Message, callErr error) {
	pc := func() *pendingCall {
		m.mu.Lock()
		defer m.mu.Unlock()
		pc := m.calls[msg.ReplySerial]
		delete(m.calls, msg.ReplySerial)
		return pc
	}()
	if pc == nil {
		if callErr != nil {
			m.log.Debugw("unmatched error reply", "reply_serial", msg.ReplySerial, "error", msg.ErrorName)
			if sink := m.getErrSink(); sink != nil {
				sink(msg)
			}
		} else {
			m.log.Debugw("unmatched method return", "reply_serial", msg.ReplySerial)
		}
		return
	}
	pc.reply = msg
	pc.err = callErr
	close(pc.done)
}

func (m *mux) getErrSink() func(*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errSink
}

func (m *mux) dispatchCall(msg *Message) {
	handler := m.lookupMethod(msg.Interface, msg.Member)

	ctx := context.Background()
	if msg.Sender != "" {
		ctx = withContextSender(ctx, Peer{name: msg.Sender})
	}

	if handler == nil {
		if !msg.WantReply() {
			return
		}
		m.replyError(msg, "org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("no method %s on interface %s", msg.Member, msg.Interface))
		return
	}

	resp, err := handler(ctx, msg)
	if !msg.WantReply() {
		return
	}
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			m.replyError(msg, ce.Name, ce.Detail)
			return
		}
		m.replyError(msg, "org.freedesktop.DBus.Error.Failed", err.Error())
		return
	}
	reply := &Message{
		Type:        msgTypeReturn,
		Serial:      m.nextSerial(),
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		Body:        resp,
	}
	if err := m.send(reply, nil); err != nil {
		m.log.Warnw("failed to send method_return", "error", err)
	}
}

func (m *mux) replyError(msg *Message, name, detail string) {
	reply := &Message{
		Type:        msgTypeError,
		Serial:      m.nextSerial(),
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		ErrorName:   name,
	}
	if detail != "" {
		reply.Body = []Value{NewString(detail)}
	}
	if err := m.send(reply, nil); err != nil {
		m.log.Warnw("failed to send error reply", "error", err)
	}
}

// lookupMethod falls back from an exact interface+member match to
// interface-only to a catch-all handler.
func (m *mux) lookupMethod(iface, member string) MethodHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range []string{methodKey(iface, member), methodKey(iface, ""), methodKey("", "")} {
		if h, ok := m.methods[key]; ok {
			delete(m.methods, key)
			return h
		}
	}
	return nil
}

func (m *mux) dispatchSignal(msg *Message) {
	key := methodKey(msg.Interface, msg.Member)
	catch := methodKey("", "")

	h := func() SignalHandler {
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.signals[key]; ok {
			delete(m.signals, key)
			return h
		}
		if h, ok := m.signals[catch]; ok {
			delete(m.signals, catch)
			return h
		}
		return nil
	}()
	if h == nil {
		m.log.Debugw("unmatched signal", "interface", msg.Interface, "member", msg.Member)
		return
	}
	h(msg)
}

// drain releases every pending handler with an empty outcome: calls
// resolve with Disconnected, and signal handlers fire once with a nil
// message. Safe to call more than once.
func (m *mux) drain() {
	var (
		calls   map[uint32]*pendingCall
		signals map[string]SignalHandler
	)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	calls, m.calls = m.calls, map[uint32]*pendingCall{}
	signals, m.signals = m.signals, map[string]SignalHandler{}
	m.mu.Unlock()

	for _, pc := range calls {
		pc.err = Disconnected
		close(pc.done)
	}
	for _, h := range signals {
		h(nil)
	}
	m.pool.Wait()
}

func (m *mux) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Package transport owns the AF_UNIX stream socket underneath a DBus
// connection: connecting, the line-oriented auth exchange, and the
// peek-then-read framing used by the message multiplexer, including
// ancillary SCM_RIGHTS file descriptor passing.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is a raw DBus connection: an AF_UNIX stream socket plus
// the auth-phase line reader and the inbound fd queue.
type Transport struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[*os.File]
}

// Connect opens an AF_UNIX stream socket to path, which may be a
// filesystem path or an abstract path (conventionally written with a
// leading '@', translated here to NUL per the platform's abstract
// namespace convention).
func Connect(ctx context.Context, path string) (*Transport, error) {
	name := path
	if len(name) > 0 && name[0] == '@' {
		name = "\x00" + name[1:]
	}
	addr := &net.UnixAddr{Net: "unix", Name: name}

	d := net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	rc, err := d.DialContext(ctx, "unix", addr.String())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	conn, ok := rc.(*net.UnixConn)
	if !ok {
		rc.Close()
		return nil, fmt.Errorf("unexpected connection type %T dialing unix socket", rc)
	}

	t := &Transport{conn: conn, fds: queue.New[*os.File]()}
	t.buf = bufio.NewReader(funcReader(t.readToBuf))
	return t, nil
}

// Send writes line verbatim to the socket. Together with Recv it
// implements auth.Exchanger.
func (t *Transport) Send(line []byte) error {
	_, err := t.conn.Write(line)
	return err
}

// Recv reads a single "\r\n"-terminated response line during the
// auth exchange.
func (t *Transport) Recv() (string, error) {
	return t.buf.ReadString('\n')
}

// Peek returns the next 16 bytes of a new message without consuming
// them, to learn the frame's total size. The bytes come from the
// transport's read buffer, which reads ahead from the socket; the
// socket itself is not read with MSG_PEEK. File descriptors that
// arrive during that read-ahead go to the pending-fd queue.
func (t *Transport) Peek() ([]byte, error) {
	return t.buf.Peek(16)
}

// Read consumes exactly len(buf) bytes from the socket, collecting
// any SCM_RIGHTS file descriptors seen along the way into the
// transport's pending-fd queue. It may issue multiple underlying
// reads.
func (t *Transport) Read(buf []byte) (int, error) {
	return io.ReadFull(t.buf, buf)
}

// Write sends bs verbatim.
func (t *Transport) Write(bs []byte) (int, error) {
	return t.conn.Write(bs)
}

// WriteWithFiles sends bs, attaching fds as SCM_RIGHTS ancillary
// data, then closes the local copies of fds once the kernel has
// accepted the sendmsg.
func (t *Transport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return t.Write(bs)
	}
	defer func() {
		for _, f := range fs {
			f.Close()
		}
	}()

	fds := make([]int, 0, len(fs))
	for _, f := range fs {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := t.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		t.Close()
		return n, err
	}
	if oobn != len(scm) {
		t.Close()
		return n, io.ErrShortWrite
	}
	return n, nil
}

// GetFiles pops n files received as ancillary data off the pending
// queue, in the order they arrived.
func (t *Transport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := t.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file descriptor not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

// SetDeadline sets the socket's read/write deadline, used to bound
// the auth exchange.
func (t *Transport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

// Close closes the socket and any file descriptors still queued but
// undelivered. Idempotent.
func (t *Transport) Close() error {
	t.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	t.fds.Clear()
	return t.conn.Close()
}

func (t *Transport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := t.conn.ReadMsgUnix(bs, t.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		t.Close()
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if oobErr := t.parseFDs(t.oob[:oobn]); oobErr != nil {
			t.Close()
			return 0, oobErr
		}
	}
	if err != nil {
		t.Close()
		return 0, err
	}
	return n, nil
}

func (t *Transport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	// Accumulate errors and keep parsing, so every fd in the message
	// is extracted (and can be closed) even if one control message is
	// malformed.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				t.fds.Add(f)
			}
		}
	}
	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) { return f(bs) }

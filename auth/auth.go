// Package auth implements the DBus EXTERNAL authentication handshake
// as an explicit state machine, per the line-oriented SASL-like
// protocol that precedes the binary message stream on a DBus socket.
package auth

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// State is a state in the authentication handshake.
type State int

const (
	Starting State = iota
	SendingCredentials
	WaitingForOK
	WaitingForData
	WaitingForReject
	WaitingForAgreeUnixFD
	Finishing
	Done
	Failed
)

// Exchanger is the transport primitive the state machine drives: send
// a line, and optionally read the next response line.
type Exchanger interface {
	// Send writes line verbatim (the caller includes "\r\n" where the
	// protocol requires it, or sends a bare NUL for the initial
	// credentials byte).
	Send(line []byte) error
	// Recv reads up to and including the next "\r\n".
	Recv() (string, error)
}

// Machine drives the EXTERNAL auth handshake over a line-oriented
// Exchanger: send credentials, negotiate unix-fd passing, and hand
// off to BEGIN.
type Machine struct {
	x     Exchanger
	state State
	guid  string
	err   error
}

// New returns a handshake machine in its initial state.
func New(x Exchanger) *Machine {
	return &Machine{x: x, state: Starting}
}

// GUID returns the server GUID reported in the OK response, once the
// handshake has finished successfully.
func (m *Machine) GUID() string { return m.guid }

// Run drives the handshake to completion, returning an error if the
// server rejects authentication or the protocol is violated.
func (m *Machine) Run() error {
	for {
		switch m.state {
		case Starting:
			if err := m.x.Send([]byte{0}); err != nil {
				return m.fail(err)
			}
			m.state = SendingCredentials

		case SendingCredentials:
			uid := strconv.Itoa(unixUID())
			line := fmt.Sprintf("AUTH EXTERNAL %s\r\n", hex.EncodeToString([]byte(uid)))
			if err := m.x.Send([]byte(line)); err != nil {
				return m.fail(err)
			}
			m.state = WaitingForOK

		case WaitingForOK:
			cmd, args, err := m.recv()
			if err != nil {
				return m.fail(err)
			}
			switch cmd {
			case "OK":
				m.guid = args
				if err := m.x.Send([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
					return m.fail(err)
				}
				m.state = WaitingForAgreeUnixFD
			case "REJECTED":
				return m.fail(fmt.Errorf("authentication rejected: %s", args))
			case "DATA", "ERROR":
				if err := m.x.Send([]byte("CANCEL\r\n")); err != nil {
					return m.fail(err)
				}
				m.state = WaitingForReject
			default:
				if err := m.x.Send([]byte("ERROR \"unexpected command\"\r\n")); err != nil {
					return m.fail(err)
				}
				m.state = WaitingForData
			}

		case WaitingForData:
			cmd, args, err := m.recv()
			if err != nil {
				return m.fail(err)
			}
			switch cmd {
			case "OK":
				m.guid = args
				if err := m.x.Send([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
					return m.fail(err)
				}
				m.state = WaitingForAgreeUnixFD
			case "REJECTED":
				return m.fail(fmt.Errorf("authentication rejected: %s", args))
			case "DATA", "ERROR":
				if err := m.x.Send([]byte("CANCEL\r\n")); err != nil {
					return m.fail(err)
				}
				m.state = WaitingForReject
			default:
				return m.fail(fmt.Errorf("protocol error: unexpected response %q while waiting for data", cmd))
			}

		case WaitingForReject:
			cmd, args, err := m.recv()
			if err != nil {
				return m.fail(err)
			}
			if cmd == "REJECTED" {
				return m.fail(fmt.Errorf("authentication rejected: %s", args))
			}
			return m.fail(fmt.Errorf("protocol error: expected REJECTED, got %q", cmd))

		case WaitingForAgreeUnixFD:
			cmd, _, err := m.recv()
			if err != nil {
				return m.fail(err)
			}
			_ = cmd // AGREE_UNIX_FD or anything else both proceed to BEGIN
			if err := m.x.Send([]byte("BEGIN\r\n")); err != nil {
				return m.fail(err)
			}
			m.state = Finishing

		case Finishing:
			m.state = Done
			return nil

		case Done, Failed:
			return m.err
		}
	}
}

func (m *Machine) fail(err error) error {
	m.state = Failed
	m.err = err
	return err
}

// recv reads one response line and parses it into a command token and
// its trailing arguments. A command is the longest prefix of the
// response that matches a known token and is either the whole
// response or is followed by a space.
func (m *Machine) recv() (cmd, args string, err error) {
	line, err := m.x.Recv()
	if err != nil {
		return "", "", err
	}
	line = strings.TrimSuffix(line, "\r\n")
	line = strings.TrimSuffix(line, "\n")
	if len(line) < 3 {
		return "", "", fmt.Errorf("protocol error: response %q shorter than 3 bytes", line)
	}

	for _, tok := range []string{"REJECTED", "AGREE_UNIX_FD", "OK", "DATA", "ERROR"} {
		if line == tok {
			return tok, "", nil
		}
		if strings.HasPrefix(line, tok+" ") {
			return tok, line[len(tok)+1:], nil
		}
	}
	return "UNKNOWN", line, nil
}

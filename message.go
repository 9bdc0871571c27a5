package dbus

import (
	"fmt"

	"github.com/d12fk/dbus-asio/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

// Message flag bits.
const (
	flagNoReplyExpected  byte = 0x1
	flagNoAutoStart      byte = 0x2
	flagAllowInteractive byte = 0x4
)

// Header field keys, as assigned by the DBus wire protocol.
const (
	fieldPath = iota + 1
	fieldInterface
	fieldMember
	fieldErrorName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFds
)

// MaxMessageSize is the largest permitted total message size, header
// plus body, in bytes (128 MiB).
const MaxMessageSize = 128 * 1024 * 1024

// MaxHeaderFieldsSize is the largest permitted size of the
// header-field array itself, in bytes (64 MiB).
const MaxHeaderFieldsSize = 64 * 1024 * 1024

// MaxArraySize is the largest permitted length of array content, in
// bytes (64 MiB).
const MaxArraySize = 64 * 1024 * 1024

// MaxFDsPerMessage is the largest permitted number of ancillary file
// descriptors attached to one message.
const MaxFDsPerMessage = 253

// Message is a single DBus message: a method call, method return,
// error, or signal.
type Message struct {
	Type        msgType
	Flags       byte
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Body        []Value
}

// WantReply reports whether this message is a method call that
// expects a response.
func (m *Message) WantReply() bool {
	return m.Type == msgTypeCall && m.Flags&flagNoReplyExpected == 0
}

// BodySignature returns the concatenated signature of the message
// body.
func (m *Message) BodySignature() Signature {
	var sig string
	for _, v := range m.Body {
		sig += string(v.Signature())
	}
	return Signature(sig)
}

// Valid checks that m carries the header fields its type requires.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return &ProtocolError{Reason: fmt.Errorf("message has zero serial")}
	}
	switch m.Type {
	case msgTypeCall:
		if m.Path == "" || m.Member == "" {
			return &ProtocolError{Reason: fmt.Errorf("method_call missing Path or Member")}
		}
	case msgTypeReturn:
		if m.ReplySerial == 0 {
			return &ProtocolError{Reason: fmt.Errorf("method_return missing ReplySerial")}
		}
	case msgTypeError:
		if m.ReplySerial == 0 || m.ErrorName == "" {
			return &ProtocolError{Reason: fmt.Errorf("error missing ReplySerial or ErrorName")}
		}
	case msgTypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return &ProtocolError{Reason: fmt.Errorf("signal missing Path, Interface or Member")}
		}
	default:
		return &ProtocolError{Reason: fmt.Errorf("unknown message type %d", m.Type)}
	}
	return nil
}

// EncodeMessage marshals m to its wire representation. warn, if
// non-nil, is called when the outgoing allow_interactive_auth flag is
// masked off.
func EncodeMessage(m *Message, order fragments.ByteOrder, warn func(string)) ([]byte, []*FD, error) {
	if err := m.Valid(); err != nil {
		return nil, nil, err
	}

	flags := m.Flags
	if flags&flagAllowInteractive != 0 {
		if warn != nil {
			warn("outgoing message requested allow_interactive_auth, which is not supported; masking it off")
		}
		flags &^= flagAllowInteractive
	}

	bw := &Writer{E: fragments.Encoder{Order: order}}
	for _, v := range m.Body {
		if err := v.Marshal(bw); err != nil {
			return nil, nil, err
		}
	}
	if len(bw.E.Out) > MaxArraySize*2 || len(bw.E.Out) > MaxMessageSize {
		return nil, nil, &ProtocolError{Reason: fmt.Errorf("message body of %d bytes exceeds limits", len(bw.E.Out))}
	}
	if len(bw.FDs) > MaxFDsPerMessage {
		return nil, nil, &ProtocolError{Reason: fmt.Errorf("message attaches %d file descriptors, exceeds maximum %d", len(bw.FDs), MaxFDsPerMessage)}
	}

	fields := headerFields(m, Signature(m.BodySignature()), uint32(len(bw.FDs)))

	hw := &Writer{E: fragments.Encoder{Order: order}}
	hw.E.ByteOrderFlag()
	hw.E.Uint8(byte(m.Type))
	hw.E.Uint8(flags)
	hw.E.Uint8(1) // protocol version
	hw.E.Uint32(uint32(len(bw.E.Out)))
	hw.E.Uint32(m.Serial)
	if err := hw.E.Array(true, func() error {
		for _, f := range fields {
			if err := hw.E.Struct(func() error {
				hw.E.Uint8(f.key)
				return f.val.Marshal(hw)
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}
	hw.E.Pad(8)

	if len(hw.E.Out) > 16+MaxHeaderFieldsSize {
		return nil, nil, &ProtocolError{Reason: fmt.Errorf("message header of %d bytes exceeds limit", len(hw.E.Out))}
	}

	out := append(hw.E.Out, bw.E.Out...)
	if len(out) > MaxMessageSize {
		return nil, nil, &ProtocolError{Reason: fmt.Errorf("message of %d bytes exceeds maximum %d", len(out), MaxMessageSize)}
	}
	return out, bw.FDs, nil
}

type headerField struct {
	key byte
	val Value
}

func headerFields(m *Message, bodySig Signature, numFDs uint32) []headerField {
	var fields []headerField
	add := func(key byte, v Value) { fields = append(fields, headerField{key, v}) }

	if m.Path != "" {
		add(fieldPath, NewVariant(NewObjectPath(m.Path)))
	}
	if m.Interface != "" {
		add(fieldInterface, NewVariant(NewString(m.Interface)))
	}
	if m.Member != "" {
		add(fieldMember, NewVariant(NewString(m.Member)))
	}
	if m.ErrorName != "" {
		add(fieldErrorName, NewVariant(NewString(m.ErrorName)))
	}
	if m.ReplySerial != 0 {
		add(fieldReplySerial, NewVariant(NewUint32(m.ReplySerial)))
	}
	if m.Destination != "" {
		add(fieldDestination, NewVariant(NewString(m.Destination)))
	}
	if m.Sender != "" {
		add(fieldSender, NewVariant(NewString(m.Sender)))
	}
	if bodySig != "" {
		add(fieldSignature, NewVariant(NewSignature(bodySig)))
	}
	if numFDs > 0 {
		add(fieldUnixFds, NewVariant(NewUint32(numFDs)))
	}
	return fields
}

// PeekHeader inspects the first 16 bytes of a new message (as returned
// by the transport's Peek) and returns the message's byte order and its total size
// on the wire (header, including trailing padding, plus body).
func PeekHeader(peek []byte) (order fragments.ByteOrder, total int, err error) {
	if len(peek) < 16 {
		return fragments.BigEndian, 0, &ProtocolError{Reason: fmt.Errorf("short header peek: got %d bytes, want 16", len(peek))}
	}
	switch peek[0] {
	case 'B':
		order = fragments.BigEndian
	case 'l':
		order = fragments.LittleEndian
	default:
		return fragments.BigEndian, 0, &ProtocolError{Reason: fmt.Errorf("unknown endian marker %q", peek[0])}
	}

	bodyLen := order.Uint32(peek[4:8])
	fieldsLen := order.Uint32(peek[12:16])

	headerLen := 12 + 4 + int(fieldsLen)
	if pad := headerLen % 8; pad != 0 {
		headerLen += 8 - pad
	}
	total = headerLen + int(bodyLen)
	if total > MaxMessageSize {
		return order, 0, &ProtocolError{Reason: fmt.Errorf("message of %d bytes exceeds maximum %d", total, MaxMessageSize)}
	}
	return order, total, nil
}

// decodeHeader parses the fixed header and header-field array (up to
// and including its trailing padding) out of r, without touching the
// body. Header field values are path/string/uint32/signature — never
// unix_fd — so this never needs a live fd vector.
func decodeHeader(r *Reader) (m *Message, bodySig Signature, numFDs uint32, err error) {
	if err := r.D.ByteOrderFlag(); err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}
	typ, err := r.D.Uint8()
	if err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}
	flags, err := r.D.Uint8()
	if err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}
	if _, err := r.D.Uint8(); err != nil { // protocol version, ignored
		return nil, "", 0, &ProtocolError{Reason: err}
	}
	if _, err := r.D.Uint32(); err != nil { // body length, redundant with framing
		return nil, "", 0, &ProtocolError{Reason: err}
	}
	serial, err := r.D.Uint32()
	if err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}

	m = &Message{Type: msgType(typ), Flags: flags, Serial: serial}

	if _, err := r.D.Array(true, func(int) error {
		var key byte
		var err error
		return r.D.Struct(func() error {
			key, err = r.D.Uint8()
			if err != nil {
				return err
			}
			v, err := Unmarshal(r, "v")
			if err != nil {
				return err
			}
			inner, err := v.Variant()
			if err != nil {
				return err
			}
			switch key {
			case fieldPath:
				m.Path, _ = inner.ObjectPath()
			case fieldInterface:
				m.Interface, _ = inner.Str()
			case fieldMember:
				m.Member, _ = inner.Str()
			case fieldErrorName:
				m.ErrorName, _ = inner.Str()
			case fieldReplySerial:
				m.ReplySerial, _ = inner.Uint32()
			case fieldDestination:
				m.Destination, _ = inner.Str()
			case fieldSender:
				m.Sender, _ = inner.Str()
			case fieldSignature:
				bodySig, _ = inner.SignatureValue()
			case fieldUnixFds:
				numFDs, _ = inner.Uint32()
			}
			return nil
		})
	}); err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}

	if err := r.D.Pad(8); err != nil {
		return nil, "", 0, &ProtocolError{Reason: err}
	}

	return m, bodySig, numFDs, nil
}

// PeekFDCount parses just enough of a framed message to learn how
// many unix_fd-bearing values its body expects, so the caller can
// collect that many descriptors from the transport before the full
// decode (which needs them) runs.
func PeekFDCount(data []byte, order fragments.ByteOrder) (int, error) {
	r := &Reader{D: fragments.Decoder{Order: order, In: byteReader(data)}}
	_, _, numFDs, err := decodeHeader(r)
	if err != nil {
		return 0, err
	}
	return int(numFDs), nil
}

// DecodeMessage parses a complete framed message (as sized by
// PeekHeader) out of data, resolving any unix_fd values against fds.
func DecodeMessage(data []byte, order fragments.ByteOrder, fds []*FD) (*Message, error) {
	r := &Reader{D: fragments.Decoder{Order: order, In: byteReader(data)}, FDs: fds}

	m, bodySig, _, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}

	if bodySig != "" {
		types, err := bodySig.Types()
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Errorf("invalid body signature %q: %w", bodySig, err)}
		}
		for _, t := range types {
			v, err := Unmarshal(r, t)
			if err != nil {
				return nil, &ProtocolError{Reason: fmt.Errorf("decoding body field of type %q: %w", t, err)}
			}
			m.Body = append(m.Body, v)
		}
	}

	return m, nil
}

// byteReader adapts a []byte to io.Reader without copying, for use as
// a Decoder's input over an already-sized buffer.
type byteReaderT struct {
	b []byte
}

func byteReader(b []byte) *byteReaderT { return &byteReaderT{b: b} }

func (r *byteReaderT) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, fmt.Errorf("dbus: short read decoding message")
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

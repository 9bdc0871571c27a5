package dbus

import (
	"testing"

	"github.com/d12fk/dbus-asio/fragments"
)

func encodeDecode(t *testing.T, m *Message) *Message {
	t.Helper()
	data, fds, err := EncodeMessage(m, fragments.NativeEndian, nil)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	order, total, err := PeekHeader(data)
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	if total != len(data) {
		t.Fatalf("PeekHeader total = %d, want %d", total, len(data))
	}
	numFDs, err := PeekFDCount(data, order)
	if err != nil {
		t.Fatalf("PeekFDCount: %v", err)
	}
	if numFDs != len(fds) {
		t.Fatalf("PeekFDCount = %d, want %d", numFDs, len(fds))
	}
	got, err := DecodeMessage(data, order, fds)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return got
}

func TestMessageRoundTripCall(t *testing.T) {
	m := &Message{
		Type:        msgTypeCall,
		Serial:      1,
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "Hello",
		Destination: "org.freedesktop.DBus",
		Body:        []Value{NewString("arg"), NewUint32(7)},
	}
	got := encodeDecode(t, m)

	if got.Type != m.Type || got.Serial != m.Serial || got.Path != m.Path ||
		got.Interface != m.Interface || got.Member != m.Member || got.Destination != m.Destination {
		t.Fatalf("header mismatch: got %+v, want %+v", got, m)
	}
	if len(got.Body) != 2 {
		t.Fatalf("got %d body values, want 2", len(got.Body))
	}
	if s, _ := got.Body[0].Str(); s != "arg" {
		t.Errorf("body[0] = %q, want %q", s, "arg")
	}
	if u, _ := got.Body[1].Uint32(); u != 7 {
		t.Errorf("body[1] = %d, want 7", u)
	}
}

func TestMessageRoundTripError(t *testing.T) {
	m := &Message{
		Type:        msgTypeError,
		Serial:      2,
		ReplySerial: 1,
		ErrorName:   "org.freedesktop.DBus.Error.Failed",
		Body:        []Value{NewString("boom")},
	}
	got := encodeDecode(t, m)
	if got.ErrorName != m.ErrorName || got.ReplySerial != m.ReplySerial {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestMessageValidRejectsZeroSerial(t *testing.T) {
	m := &Message{Type: msgTypeSignal, Path: "/a", Interface: "a.b", Member: "C"}
	if err := m.Valid(); err == nil {
		t.Fatal("expected error for zero serial")
	}
}

func TestMessageValidRejectsIncompleteCall(t *testing.T) {
	m := &Message{Type: msgTypeCall, Serial: 1, Member: "Foo"}
	if err := m.Valid(); err == nil {
		t.Fatal("expected error for method_call missing Path")
	}
}

func TestMessageWantReply(t *testing.T) {
	m := &Message{Type: msgTypeCall, Serial: 1, Path: "/a", Member: "Foo"}
	if !m.WantReply() {
		t.Error("expected WantReply true by default")
	}
	m.Flags |= flagNoReplyExpected
	if m.WantReply() {
		t.Error("expected WantReply false after setting flagNoReplyExpected")
	}
}

func TestPeekHeaderShort(t *testing.T) {
	if _, _, err := PeekHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short peek buffer")
	}
}

// Package dbus is a client for the D-Bus message bus protocol.
//
// A [Conn] represents one authenticated connection to a bus (session,
// system, or a bus reached by a raw address via [Dial]). Every value
// exchanged on the wire, in either direction, is a [Value]: a tagged
// union built with the New* constructors (NewString, NewUint32,
// NewArray, NewStruct, ...) and read back with the matching accessor
// (Str, Uint32, Array, Struct, ...). There is no reflection-based
// marshalling; callers are responsible for building and reading
// argument lists that match a method's expected [Signature].
//
// Addressing follows the bus's own three-level model:
//
//	conn.Peer("org.freedesktop.DBus").
//	    Object("/org/freedesktop/DBus").
//	    Interface("org.freedesktop.DBus").
//	    Call(ctx, "ListNames", nil)
//
// [Peer.Ping] and the helpers in bus.go ([Conn.RequestName],
// [Conn.ListNames], [Conn.GetConnectionCredentials], and so on) cover
// the standard org.freedesktop.DBus interface without needing to
// spell out the low-level Call each time.
//
// Inbound method calls, signals and unmatched errors are delivered by
// registering handlers on the [Conn] ([Conn.ReceiveMethodCall],
// [Conn.ReceiveSignal], [Conn.ReceiveError]) rather than by polling; a
// dedicated goroutine per connection reads and dispatches messages as
// they arrive. Signal handlers are one-shot by design, matching the
// underlying multiplexer's registration table — a handler that wants
// to keep receiving re-registers itself as its last action.
//
// [Conn.Claim] tracks ownership of a well-known bus name over time,
// including ownership changes triggered by other clients.
package dbus

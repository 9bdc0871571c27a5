// package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus message.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics. It is the caller's responsibility to
// produce valid DBus messages using these tools.
//
// The dbus package's Value.Marshal and Unmarshal are built on the
// [Encoder] and [Decoder] provided here; most callers never use this
// package directly.
package fragments

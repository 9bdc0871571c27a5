package dbus

import "context"

// Peer is a purely local handle for a bus name. It does not indicate
// that the name is currently owned or reachable.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the connection the peer handle was created from.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle for the given object path on this peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{p: p, path: path}
}

// Ping calls org.freedesktop.DBus.Peer.Ping on the root object.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface("org.freedesktop.DBus.Peer").Call(ctx, "Ping", nil)
	return err
}

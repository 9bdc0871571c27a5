package dbus

// Object is a handle for one object path on a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the object handle was created from.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the peer that offers the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return o.p.String() + string(o.path)
}

// Interface returns a handle for the given interface on this object.
func (o Object) Interface(name string) Interface {
	return Interface{o: o, name: name}
}

package dbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods and signals offered by an [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the connection the interface handle was created from.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the peer offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the interface's name.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call invokes method on the interface with the given argument values
// and returns the reply body.
//
// This is a low-level calling API: it is the caller's responsibility
// to supply argument values matching the method's expected signature.
func (f Interface) Call(ctx context.Context, method string, args []Value) ([]Value, error) {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, args, false)
}

// OneWay invokes method on the interface and tells the peer not to
// send a reply. OneWay returns once the call has been written to the
// wire; there is no way to know whether it was delivered or acted
// upon.
func (f Interface) OneWay(ctx context.Context, method string, args []Value) error {
	_, err := f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, args, true)
	return err
}

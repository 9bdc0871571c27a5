package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var f NameRequestFlags
	if o.AllowReplacement {
		f |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		f |= NameRequestReplace
	}
	if o.NoQueue {
		f |= NameRequestNoQueue
	}
	return f
}

// Claim is a claim to ownership of a bus name.
//
// Multiple DBus clients may claim ownership of the same name. The bus
// tracks a single current owner, as well as a queue of other
// claimants that are eligible to succeed the current owner.
//
// Claiming a name does not guarantee ownership of it. Callers must
// monitor [Claim.Chan] to find out if and when the name is assigned
// to them.
type Claim struct {
	c    *Conn
	name string

	mu     sync.Mutex
	opts   ClaimOptions
	owner  bool
	closed bool

	ch chan bool
}

// Claim requests ownership of a bus name. The bus is asked once,
// synchronously, with opts; subsequent ownership changes (including
// those triggered by other clients) are reported on the returned
// [Claim]'s channel.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	if err := WellKnownName(name); err != nil {
		return nil, err
	}
	cl := &Claim{c: c, name: name, opts: opts, ch: make(chan bool, 1)}
	c.addClaim(cl)

	if err := cl.Request(ctx, opts); err != nil {
		c.removeClaim(cl)
		return nil, err
	}
	return cl, nil
}

// Request makes a new request to the bus for the claimed name.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership (although setting AllowReplacement may enable another
// client to take over the claim).
func (cl *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	cl.mu.Lock()
	cl.opts = opts
	cl.mu.Unlock()

	isOwner, err := cl.c.RequestName(ctx, cl.name, opts.flags())
	if err != nil {
		return err
	}
	cl.setOwner(isOwner)
	return nil
}

// Name returns the claim's bus name.
func (cl *Claim) Name() string { return cl.name }

// Chan returns a channel that reports whether this claim currently
// owns the bus name. A value is sent each time the bus reports the
// claim's ownership (the reply to each Request, and every NameAcquired
// or NameLost signal for the name), so the same value can arrive more
// than once; only the most recent unread value is kept. The channel is
// closed when the claim is closed.
func (cl *Claim) Chan() <-chan bool { return cl.ch }

// Close abandons the claim. If it is the current owner of the bus
// name, ownership is released and may pass to another claimant.
func (cl *Claim) Close(ctx context.Context) error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()

	cl.c.removeClaim(cl)
	close(cl.ch)

	return cl.c.ReleaseName(ctx, cl.name)
}

func (cl *Claim) setOwner(isOwner bool) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	cl.owner = isOwner
	cl.mu.Unlock()

	select {
	case cl.ch <- isOwner:
	default:
		select {
		case <-cl.ch:
		default:
		}
		select {
		case cl.ch <- isOwner:
		default:
		}
	}
}

// addClaim tracks cl for NameAcquired/NameLost fan-out, starting the
// watch on the first claim of the connection's lifetime.
func (c *Conn) addClaim(cl *Claim) {
	c.claimsMu.Lock()
	defer c.claimsMu.Unlock()
	if c.claims == nil {
		c.claims = mapset.New[*Claim]()
	}
	c.claims.Add(cl)
	if !c.claimWatch {
		c.claimWatch = true
		c.watchNameSignal(ifaceBus, "NameAcquired", true)
		c.watchNameSignal(ifaceBus, "NameLost", false)
	}
}

func (c *Conn) removeClaim(cl *Claim) {
	c.claimsMu.Lock()
	defer c.claimsMu.Unlock()
	if c.claims != nil {
		delete(c.claims, cl)
	}
}

// watchNameSignal installs a self-re-registering handler for iface's
// member, since the mux's signal table is one-shot per key but
// multiple claims must see every NameAcquired/NameLost delivery for
// the connection's lifetime.
func (c *Conn) watchNameSignal(iface, member string, acquired bool) {
	var handler SignalHandler
	handler = func(msg *Message) {
		if msg == nil {
			// Connection closed; claims already see loss of
			// ownership via their own in-flight calls failing.
			return
		}
		c.ReceiveSignal(iface, member, handler)

		if len(msg.Body) != 1 {
			return
		}
		name, err := msg.Body[0].Str()
		if err != nil {
			return
		}

		c.claimsMu.Lock()
		var matched []*Claim
		for cl := range c.claims {
			if cl.name == name {
				matched = append(matched, cl)
			}
		}
		c.claimsMu.Unlock()

		for _, cl := range matched {
			cl.setOwner(acquired)
		}
	}
	c.ReceiveSignal(iface, member, handler)
}

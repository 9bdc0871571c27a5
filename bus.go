package dbus

import (
	"context"
	"errors"
	"fmt"
)

// bus returns the well-known org.freedesktop.DBus interface handle
// every helper below sends to.
func (c *Conn) bus() Interface {
	return c.Peer(nameBus).Object(pathBus).Interface(ifaceBus)
}

// NameRequestFlags controls RequestName's queueing behavior.
type NameRequestFlags uint32

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// RequestName asks the bus to assign name to this connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	if err := WellKnownName(name); err != nil {
		return false, err
	}
	resp, err := c.bus().Call(ctx, "RequestName", []Value{NewString(name), NewUint32(uint32(flags))})
	if err != nil {
		return false, err
	}
	code, err := singleUint32(resp)
	if err != nil {
		return false, err
	}
	switch code {
	case 1: // became primary owner
		return true, nil
	case 2: // queued, not primary
		return false, nil
	case 3: // couldn't own, and asked not to queue
		return false, errors.New("dbus: requested name not available")
	case 4: // already primary owner
		return true, nil
	default:
		return false, fmt.Errorf("dbus: unknown response code %d to RequestName", code)
	}
}

// ReleaseName releases a name previously acquired with RequestName.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.bus().Call(ctx, "ReleaseName", []Value{NewString(name)})
	return err
}

// AddMatch installs a match rule so the bus starts routing matching
// signals to this connection.
func (c *Conn) AddMatch(ctx context.Context, rule *MatchRule) error {
	_, err := c.bus().Call(ctx, "AddMatch", []Value{NewString(rule.Build())})
	return err
}

// RemoveMatch removes a previously installed match rule.
func (c *Conn) RemoveMatch(ctx context.Context, rule *MatchRule) error {
	_, err := c.bus().Call(ctx, "RemoveMatch", []Value{NewString(rule.Build())})
	return err
}

// GetNameOwner returns the unique bus name currently owning name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	resp, err := c.bus().Call(ctx, "GetNameOwner", []Value{NewString(name)})
	if err != nil {
		return "", err
	}
	return singleString(resp)
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	resp, err := c.bus().Call(ctx, "NameHasOwner", []Value{NewString(name)})
	if err != nil {
		return false, err
	}
	return singleBool(resp)
}

// ListNames lists the currently registered bus names.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	resp, err := c.bus().Call(ctx, "ListNames", nil)
	if err != nil {
		return nil, err
	}
	return stringArray(resp)
}

// ListActivatableNames lists bus names that can be auto-started.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	resp, err := c.bus().Call(ctx, "ListActivatableNames", nil)
	if err != nil {
		return nil, err
	}
	return stringArray(resp)
}

// ListQueuedOwners lists the connections queued to own name, in
// queue order.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	resp, err := c.bus().Call(ctx, "ListQueuedOwners", []Value{NewString(name)})
	if err != nil {
		return nil, err
	}
	return stringArray(resp)
}

// BecomeMonitor replaces this connection's match rules with rules
// and puts it into eavesdropping monitor mode, per the
// org.freedesktop.DBus.Monitoring interface.
func (c *Conn) BecomeMonitor(ctx context.Context, rules []*MatchRule) error {
	strs := make([]Value, len(rules))
	for i, r := range rules {
		strs[i] = NewString(r.Build())
	}
	arr, err := NewArray("s", strs)
	if err != nil {
		return err
	}
	_, err = c.Peer(nameBus).Object(pathBus).Interface("org.freedesktop.DBus.Monitoring").
		Call(ctx, "BecomeMonitor", []Value{arr, NewUint32(0)})
	return err
}

// GetConnectionUnixUser returns the numeric uid of the peer owning
// name.
func (c *Conn) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	resp, err := c.bus().Call(ctx, "GetConnectionUnixUser", []Value{NewString(name)})
	if err != nil {
		return 0, err
	}
	return singleUint32(resp)
}

// GetConnectionUnixProcessID returns the numeric pid of the peer
// owning name.
func (c *Conn) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	resp, err := c.bus().Call(ctx, "GetConnectionUnixProcessID", []Value{NewString(name)})
	if err != nil {
		return 0, err
	}
	return singleUint32(resp)
}

// PeerCredentials is a decoded GetConnectionCredentials reply. Fields
// the peer's bus did not report are left at their zero value; Unknown
// carries every entry this client does not recognize.
type PeerCredentials struct {
	UID           uint32
	HasUID        bool
	PID           uint32
	HasPID        bool
	GIDs          []uint32
	SecurityLabel []byte
	Unknown       map[string]Value
}

// GetConnectionCredentials returns the credentials the bus recorded
// for the connection owning name.
func (c *Conn) GetConnectionCredentials(ctx context.Context, name string) (*PeerCredentials, error) {
	resp, err := c.bus().Call(ctx, "GetConnectionCredentials", []Value{NewString(name)})
	if err != nil {
		return nil, err
	}
	entries, err := vardict(resp)
	if err != nil {
		return nil, err
	}
	creds := &PeerCredentials{Unknown: map[string]Value{}}
	for k, v := range entries {
		switch k {
		case "UnixUserID":
			if u, err := v.Uint32(); err == nil {
				creds.UID, creds.HasUID = u, true
				continue
			}
		case "ProcessID":
			if u, err := v.Uint32(); err == nil {
				creds.PID, creds.HasPID = u, true
				continue
			}
		case "UnixGroupIDs":
			if elems, _, err := v.Array(); err == nil {
				gids := make([]uint32, 0, len(elems))
				for _, e := range elems {
					if g, err := e.Uint32(); err == nil {
						gids = append(gids, g)
					}
				}
				creds.GIDs = gids
				continue
			}
		case "LinuxSecurityLabel":
			if elems, _, err := v.Array(); err == nil {
				bs := make([]byte, 0, len(elems))
				for _, e := range elems {
					if b, err := e.Byte(); err == nil {
						bs = append(bs, b)
					}
				}
				creds.SecurityLabel = bs
				continue
			}
		}
		creds.Unknown[k] = v
	}
	return creds, nil
}

// GetBusID returns the bus's unique identifier.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	resp, err := c.bus().Call(ctx, "GetId", nil)
	if err != nil {
		return "", err
	}
	return singleString(resp)
}

func singleString(resp []Value) (string, error) {
	if len(resp) != 1 {
		return "", fmt.Errorf("dbus: expected 1 return value, got %d", len(resp))
	}
	return resp[0].Str()
}

func singleUint32(resp []Value) (uint32, error) {
	if len(resp) != 1 {
		return 0, fmt.Errorf("dbus: expected 1 return value, got %d", len(resp))
	}
	return resp[0].Uint32()
}

func singleBool(resp []Value) (bool, error) {
	if len(resp) != 1 {
		return false, fmt.Errorf("dbus: expected 1 return value, got %d", len(resp))
	}
	return resp[0].Bool()
}

func stringArray(resp []Value) ([]string, error) {
	if len(resp) != 1 {
		return nil, fmt.Errorf("dbus: expected 1 return value, got %d", len(resp))
	}
	elems, _, err := resp[0].Array()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(elems))
	for i, e := range elems {
		s, err := e.Str()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// vardict decodes a single a{sv} return value into a map. GetAll-shaped
// replies always decode as a{sv}; there is no fallback to a bare string.
func vardict(resp []Value) (map[string]Value, error) {
	if len(resp) != 1 {
		return nil, fmt.Errorf("dbus: expected 1 return value, got %d", len(resp))
	}
	elems, _, err := resp[0].Array()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(elems))
	for _, e := range elems {
		k, v, err := e.DictEntry()
		if err != nil {
			return nil, err
		}
		key, err := k.Str()
		if err != nil {
			return nil, err
		}
		val, err := v.Variant()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

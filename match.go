package dbus

import (
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// MaxMatchArgIndex is the highest argN/argNpath index a match rule
// may reference.
const MaxMatchArgIndex = 63

// MatchRule builds a comma-separated key=value match rule string for
// the bus's AddMatch/RemoveMatch methods.
//
// The zero MatchRule matches everything; Build returns "" for it.
type MatchRule struct {
	typ           value.Maybe[string]
	sender        value.Maybe[string]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	path          value.Maybe[ObjectPath]
	pathNamespace value.Maybe[ObjectPath]
	destination   value.Maybe[string]
	arg0NS        value.Maybe[string]
	args          map[int]string
	argPaths      map[int]ObjectPath
	argOrder      []int
	argPathOrder  []int
}

// NewMatchRule returns an empty match rule, which matches everything.
func NewMatchRule() *MatchRule { return &MatchRule{} }

// Type restricts the rule to messages of the given type ("signal",
// "method_call", "method_return", or "error").
func (m *MatchRule) Type(t string) *MatchRule {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the rule to messages from the given bus name.
func (m *MatchRule) Sender(name string) *MatchRule {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the rule to the given interface.
func (m *MatchRule) Interface(name string) *MatchRule {
	m.iface = value.Just(name)
	return m
}

// Member restricts the rule to the given member name.
func (m *MatchRule) Member(name string) *MatchRule {
	m.member = value.Just(name)
	return m
}

// Path restricts the rule to the exact given object path.
//
// Path and PathNamespace are mutually exclusive; whichever is called
// last wins.
func (m *MatchRule) Path(p ObjectPath) *MatchRule {
	m.pathNamespace = value.Absent[ObjectPath]()
	m.path = value.Just(p.Clean())
	return m
}

// PathNamespace restricts the rule to the given path and everything
// nested under it.
//
// Path and PathNamespace are mutually exclusive; whichever is called
// last wins.
func (m *MatchRule) PathNamespace(p ObjectPath) *MatchRule {
	m.path = value.Absent[ObjectPath]()
	m.pathNamespace = value.Just(p.Clean())
	return m
}

// Destination restricts the rule to messages addressed to the given
// unique connection name.
func (m *MatchRule) Destination(name string) *MatchRule {
	m.destination = value.Just(name)
	return m
}

// Arg0Namespace restricts the rule to messages whose first argument
// is a bus or interface name with the given dot-separated prefix.
func (m *MatchRule) Arg0Namespace(prefix string) *MatchRule {
	m.arg0NS = value.Just(prefix)
	return m
}

// Arg restricts the rule to messages whose i-th body argument is the
// string val. i must be in [0, 63].
func (m *MatchRule) Arg(i int, val string) (*MatchRule, error) {
	if i < 0 || i > MaxMatchArgIndex {
		return m, fmt.Errorf("dbus: match arg index %d out of range [0,%d]", i, MaxMatchArgIndex)
	}
	if m.args == nil {
		m.args = map[int]string{}
	}
	if _, exists := m.args[i]; !exists {
		m.argOrder = append(m.argOrder, i)
	}
	m.args[i] = val
	return m, nil
}

// ArgPath restricts the rule to messages whose i-th body argument is
// an object path equal to, or nested under, val. i must be in
// [0, 63].
func (m *MatchRule) ArgPath(i int, val ObjectPath) (*MatchRule, error) {
	if i < 0 || i > MaxMatchArgIndex {
		return m, fmt.Errorf("dbus: match argpath index %d out of range [0,%d]", i, MaxMatchArgIndex)
	}
	if m.argPaths == nil {
		m.argPaths = map[int]ObjectPath{}
	}
	if _, exists := m.argPaths[i]; !exists {
		m.argPathOrder = append(m.argPathOrder, i)
	}
	m.argPaths[i] = val
	return m, nil
}

// Build serialises the rule to the string format the bus's AddMatch
// and RemoveMatch methods expect. An empty rule serialises to "".
func (m *MatchRule) Build() string {
	var kv []string
	add := func(key, val string) {
		kv = append(kv, fmt.Sprintf("%s=%s", key, escapeMatchArg(val)))
	}

	if t, ok := m.typ.GetOK(); ok {
		add("type", t)
	}
	if s, ok := m.sender.GetOK(); ok {
		add("sender", s)
	}
	if i, ok := m.iface.GetOK(); ok {
		add("interface", i)
	}
	if me, ok := m.member.GetOK(); ok {
		add("member", me)
	}
	if p, ok := m.path.GetOK(); ok {
		add("path", p.String())
	}
	if p, ok := m.pathNamespace.GetOK(); ok {
		add("path_namespace", p.String())
	}
	if d, ok := m.destination.GetOK(); ok {
		add("destination", d)
	}
	for _, i := range m.argOrder {
		add(fmt.Sprintf("arg%d", i), m.args[i])
	}
	for _, i := range m.argPathOrder {
		add(fmt.Sprintf("arg%dpath", i), m.argPaths[i].String())
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		add("arg0namespace", ns)
	}

	return strings.Join(kv, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}

package dbus

import "testing"

func TestObjectPathClean(t *testing.T) {
	cases := []struct {
		in, want ObjectPath
	}{
		{"/", "/"},
		{"/foo/", "/foo"},
		{"/foo/bar", "/foo/bar"},
		{"/foo/bar/", "/foo/bar"},
	}
	for _, c := range cases {
		if got := c.in.Clean(); got != c.want {
			t.Errorf("Clean(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestObjectPathIsChildOf(t *testing.T) {
	cases := []struct {
		p, prefix ObjectPath
		want      bool
	}{
		{"/foo/bar", "/foo", true},
		{"/foo", "/foo", true},
		{"/foo/bar", "/", true},
		{"/foobar", "/foo", false},
		{"/bar", "/foo", false},
		{"/foo/bar", "/foo/", true},
	}
	for _, c := range cases {
		if got := c.p.IsChildOf(c.prefix); got != c.want {
			t.Errorf("IsChildOf(%q, %q) = %v, want %v", c.p, c.prefix, got, c.want)
		}
	}
}

func TestObjectPathValidAccepts(t *testing.T) {
	cases := []ObjectPath{
		"/",
		"/foo",
		"/foo/bar",
		"/foo/bar123",
		"/org/freedesktop/DBus",
	}
	for _, p := range cases {
		if err := p.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", p, err)
		}
	}
}

func TestObjectPathValidRejects(t *testing.T) {
	cases := []ObjectPath{
		"",
		"foo",
		"/foo/",
		"/foo//bar",
		"/foo/b@r",
	}
	for _, p := range cases {
		if err := p.Validate(); err == nil {
			t.Errorf("Validate(%q) = nil, want error", p)
		}
	}
}

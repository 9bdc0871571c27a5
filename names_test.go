package dbus

import "testing"

func TestBusNameAccepts(t *testing.T) {
	cases := []string{
		"org.freedesktop.DBus",
		"com.example.Foo-Bar",
		":1.42",
		":1.42.7",
	}
	for _, s := range cases {
		if err := BusName(s); err != nil {
			t.Errorf("BusName(%q) = %v, want nil", s, err)
		}
	}
}

func TestBusNameRejects(t *testing.T) {
	cases := []string{
		"",
		"single",
		"org..Bus",
		"org.freedesktop.1Bus",
		":",
	}
	for _, s := range cases {
		if err := BusName(s); err == nil {
			t.Errorf("BusName(%q) = nil, want error", s)
		}
	}
}

func TestWellKnownNameRejectsUnique(t *testing.T) {
	if err := WellKnownName(":1.1"); err == nil {
		t.Fatal("expected error for unique name passed to WellKnownName")
	}
	if err := WellKnownName("org.freedesktop.DBus"); err != nil {
		t.Fatalf("WellKnownName: %v", err)
	}
}

func TestUniqueNameRequiresColon(t *testing.T) {
	if err := UniqueName("org.freedesktop.DBus"); err == nil {
		t.Fatal("expected error for well-known name passed to UniqueName")
	}
	if err := UniqueName(":1.1"); err != nil {
		t.Fatalf("UniqueName: %v", err)
	}
}

func TestInterfaceNameRejectsHyphenAndColon(t *testing.T) {
	if err := InterfaceName("com.example.Foo-Bar"); err == nil {
		t.Fatal("expected error for hyphen in interface name")
	}
	if err := InterfaceName(":1.1"); err == nil {
		t.Fatal("expected error for ':'-prefixed interface name")
	}
	if err := InterfaceName("com.example.Foo"); err != nil {
		t.Fatalf("InterfaceName: %v", err)
	}
}

func TestMemberNameRejectsDotAndLeadingDigit(t *testing.T) {
	if err := MemberName("Foo.Bar"); err == nil {
		t.Fatal("expected error for dotted member name")
	}
	if err := MemberName("1Foo"); err == nil {
		t.Fatal("expected error for member name starting with a digit")
	}
	if err := MemberName("Foo"); err != nil {
		t.Fatalf("MemberName: %v", err)
	}
}

func TestErrorNameUsesInterfaceSyntax(t *testing.T) {
	if err := ErrorName("org.freedesktop.DBus.Error.Failed"); err != nil {
		t.Fatalf("ErrorName: %v", err)
	}
	if err := ErrorName("bad-name.Error"); err == nil {
		t.Fatal("expected error for hyphenated error name")
	}
}

package dbus

import (
	"context"
	"testing"
)

func TestContextSender(t *testing.T) {
	want := Peer{name: "foo"}
	ctx := withContextSender(context.Background(), want)

	got, ok := ContextSender(ctx)
	if !ok {
		t.Fatal("sender not found in context")
	}
	if got != want {
		t.Fatalf("wrong sender, got %#v want %#v", got, want)
	}

	_, ok = ContextSender(context.Background())
	if ok {
		t.Fatal("got sender from context with no sender")
	}
}

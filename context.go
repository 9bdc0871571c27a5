package dbus

import "context"

// senderContextKey is the context key under which an inbound method
// call's source Peer is stored before its handler runs.
type senderContextKey struct{}

func withContextSender(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, senderContextKey{}, p)
}

// ContextSender returns the Peer that sent the message whose handler
// is currently executing, if any.
func ContextSender(ctx context.Context) (Peer, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return Peer{}, false
	}
	p, ok := v.(Peer)
	return p, ok
}

package dbus_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d12fk/dbus-asio"
	"github.com/d12fk/dbus-asio/dbustest"
)

const logBusTraffic = false

// serveForever re-registers fn under iface.member on every call, since
// method-call handlers are one-shot by default.
func serveForever(conn *dbus.Conn, iface, member string, fn dbus.MethodHandler) {
	var handler dbus.MethodHandler
	handler = func(ctx context.Context, msg *dbus.Message) ([]dbus.Value, error) {
		conn.ReceiveMethodCall(iface, member, handler)
		return fn(ctx, msg)
	}
	conn.ReceiveMethodCall(iface, member, handler)
}

func echoServer(t *testing.T, conn *dbus.Conn) {
	t.Helper()
	serveForever(conn, "biz.brightsign.Test", "Echo", func(ctx context.Context, msg *dbus.Message) ([]dbus.Value, error) {
		return msg.Body, nil
	})
	serveForever(conn, "biz.brightsign.Test", "Fail", func(ctx context.Context, msg *dbus.Message) ([]dbus.Value, error) {
		return nil, &dbus.CallError{Name: "biz.brightsign.Test.Error.Boom", Detail: "boom"}
	})
	serveForever(conn, "biz.brightsign.Test", "EchoFD", func(ctx context.Context, msg *dbus.Message) ([]dbus.Value, error) {
		return msg.Body, nil
	})
}

func mustClaim(t *testing.T, conn *dbus.Conn, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := conn.RequestName(ctx, name, 0); err != nil {
		t.Fatalf("claiming %s: %v", name, err)
	}
}

// TestEchoRoundTrip checks that a call's argument values come back
// unchanged in the reply.
func TestEchoRoundTrip(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	server := bus.MustConn(t)
	defer server.Close()
	mustClaim(t, server, "biz.brightsign.test")
	echoServer(t, server)

	client := bus.MustConn(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Peer("biz.brightsign.test").
		Object("/biz/brightsign/Test").
		Interface("biz.brightsign.Test").
		Call(ctx, "Echo", []dbus.Value{dbus.NewString("hello"), dbus.NewUint32(42)})
	if err != nil {
		t.Fatalf("Echo call failed: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("Echo returned %d values, want 2", len(resp))
	}
	if s, err := resp[0].Str(); err != nil || s != "hello" {
		t.Errorf("resp[0] = %q, %v; want %q", s, err, "hello")
	}
	if u, err := resp[1].Uint32(); err != nil || u != 42 {
		t.Errorf("resp[1] = %d, %v; want %d", u, err, 42)
	}
}

// TestErrorPath checks that a method returning a CallError comes back
// as an error, not a panic or empty reply.
func TestErrorPath(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	server := bus.MustConn(t)
	defer server.Close()
	mustClaim(t, server, "biz.brightsign.test")
	echoServer(t, server)

	client := bus.MustConn(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.Peer("biz.brightsign.test").
		Object("/biz/brightsign/Test").
		Interface("biz.brightsign.Test").
		Call(ctx, "Fail", nil)
	if err == nil {
		t.Fatal("Fail call succeeded, want error")
	}
	var ce *dbus.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("error is %T, want *dbus.CallError", err)
	}
	if ce.Name != "biz.brightsign.Test.Error.Boom" {
		t.Errorf("error name = %q, want biz.brightsign.Test.Error.Boom", ce.Name)
	}
}

// TestFdPass checks that a unix_fd value survives a round trip through
// the bus as a distinct, usable descriptor.
func TestFdPass(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	server := bus.MustConn(t)
	defer server.Close()
	mustClaim(t, server, "biz.brightsign.test")
	echoServer(t, server)

	client := bus.MustConn(t)
	defer client.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	defer r.Close()

	const payload = "fd payload"
	go func() {
		defer w.Close()
		w.WriteString(payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Peer("biz.brightsign.test").
		Object("/biz/brightsign/Test").
		Interface("biz.brightsign.Test").
		Call(ctx, "EchoFD", []dbus.Value{dbus.NewUnixFD(dbus.NewFD(r))})
	if err != nil {
		t.Fatalf("EchoFD call failed: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("EchoFD returned %d values, want 1", len(resp))
	}
	fd, err := resp[0].UnixFD()
	if err != nil {
		t.Fatalf("resp[0].UnixFD(): %v", err)
	}
	defer fd.Close()

	buf := make([]byte, len(payload))
	if _, err := fd.File().Read(buf); err != nil {
		t.Fatalf("reading back through returned fd: %v", err)
	}
	if string(buf) != payload {
		t.Errorf("read %q through returned fd, want %q", buf, payload)
	}
}

// TestPummel checks that many clients making many concurrent calls to
// one server complete without loss: every call gets a one-value reply.
func TestPummel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pummel test in short mode")
	}
	bus := dbustest.New(t, logBusTraffic)

	server := bus.MustConn(t)
	defer server.Close()
	mustClaim(t, server, "biz.brightsign.test")
	echoServer(t, server)

	const clients = 10
	const callsPerClient = 100

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conns := make([]*dbus.Conn, clients)
	for i := range conns {
		conns[i] = bus.MustConn(t)
		defer conns[i].Close()
	}

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			iface := conns[id].Peer("biz.brightsign.test").
				Object("/biz/brightsign/Test").
				Interface("biz.brightsign.Test")
			for j := 0; j < callsPerClient; j++ {
				want := dbus.NewString("payload")
				resp, err := iface.Call(ctx, "Echo", []dbus.Value{want})
				if err != nil {
					t.Errorf("client %d call %d: %v", id, j, err)
					failures.Add(1)
					continue
				}
				if len(resp) != 1 {
					t.Errorf("client %d call %d: got %d values, want 1", id, j, len(resp))
					failures.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Fatalf("%d calls failed", failures.Load())
	}
}

// TestNameAcquiredBroadcast checks that claiming an unclaimed name
// reports ownership as the first value on the claim's channel.
func TestNameAcquiredBroadcast(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	conn := bus.MustConn(t)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claim, err := conn.Claim(ctx, "test.steev", dbus.ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	defer claim.Close(context.Background())

	select {
	case owner := <-claim.Chan():
		if !owner {
			t.Fatal("claim reported non-ownership on first delivery")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for NameAcquired")
	}
}

// TestDisconnectDrains checks that every in-flight call outstanding
// when the connection closes is released exactly once with an empty
// outcome.
func TestDisconnectDrains(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	server := bus.MustConn(t)
	defer server.Close()
	mustClaim(t, server, "biz.brightsign.test")
	// The handler blocks forever, so calls stay pending on the client
	// until Close forces them to drain rather than racing a reply.
	block := make(chan struct{})
	defer close(block)
	serveForever(server, "biz.brightsign.Test", "NeverAnswered", func(ctx context.Context, msg *dbus.Message) ([]dbus.Value, error) {
		<-block
		return nil, nil
	})

	client := bus.MustConn(t)

	const inFlight = 20
	var wg sync.WaitGroup
	results := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Peer("biz.brightsign.test").
				Object("/biz/brightsign/Test").
				Interface("biz.brightsign.Test").
				Call(context.Background(), "NeverAnswered", nil)
			results <- err
		}()
	}

	time.Sleep(200 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wg.Wait()
	close(results)
	count := 0
	for err := range results {
		count++
		if !errors.Is(err, dbus.Disconnected) {
			t.Errorf("call outcome = %v, want dbus.Disconnected", err)
		}
	}
	if count != inFlight {
		t.Fatalf("got %d outcomes, want %d", count, inFlight)
	}
}

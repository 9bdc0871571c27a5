// Command dbus-asio is a small interactive smoke-test client for the
// dbus-asio library: list bus names, ping a peer, look up a peer's
// credentials, watch signals, or make a raw method call.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/d12fk/dbus-asio"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	mk := dbus.SystemBus
	if globalArgs.UseSessionBus {
		mk = dbus.SessionBus
	}
	conn, err := mk(ctx)
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}
	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func(n string) {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}(n)
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus-asio",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list",
				Help:  "List the bus names currently registered.",
				Run:   command.Adapt(runList),
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer via org.freedesktop.DBus.Peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Print the unique name and credentials owning a bus name.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "listen",
				Usage: "listen",
				Help:  "Print every signal delivered to this connection.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "call",
				Usage: "call dest path iface method [string-arg...]",
				Help:  "Invoke a method, passing each extra argument as a string Value.",
				Run:   runCall,
			},
			{
				Name:  "stats",
				Usage: "stats",
				Help:  "Connect, idle briefly, and print traffic counters.",
				Run:   command.Adapt(runStats),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runList(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx := env.Context()
	owner, err := conn.GetNameOwner(ctx, peer)
	if err != nil {
		return fmt.Errorf("resolving owner of %s: %w", peer, err)
	}
	fmt.Println("unique name:", owner)

	creds, err := conn.GetConnectionCredentials(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting credentials of %s: %w", peer, err)
	}
	if creds.HasUID {
		fmt.Println("UID:", creds.UID)
	}
	if creds.HasPID {
		fmt.Println("PID:", creds.PID)
	}
	if len(creds.GIDs) > 0 {
		fmt.Println("GIDs:", creds.GIDs)
	}
	if len(creds.SecurityLabel) > 0 {
		fmt.Println("security label:", string(creds.SecurityLabel))
	}
	for k, v := range creds.Unknown {
		fmt.Printf("%s: %# v\n", k, pretty.Formatter(v))
	}
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	fmt.Println("Listening for signals...")
	received := make(chan *dbus.Message, 16)

	var watch func(iface, member string)
	watch = func(iface, member string) {
		conn.ReceiveSignal(iface, member, func(msg *dbus.Message) {
			if msg == nil {
				close(received)
				return
			}
			watch(iface, member)
			received <- msg
		})
	}
	watch("", "")

	for {
		select {
		case <-env.Context().Done():
			return nil
		case msg, ok := <-received:
			if !ok {
				return nil
			}
			fmt.Printf("signal %s.%s from %s on %s:\n  %# v\n\n",
				msg.Interface, msg.Member, msg.Sender, msg.Path, pretty.Formatter(msg.Body))
		}
	}
}

func runCall(env *command.Env) error {
	args := env.Args
	if len(args) < 4 {
		return fmt.Errorf("call requires dest path iface method [arg...]")
	}
	dest, path, iface, method, rest := args[0], args[1], args[2], args[3], args[4:]

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	body := make([]dbus.Value, len(rest))
	for i, a := range rest {
		body[i] = dbus.NewString(a)
	}

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	resp, err := conn.Peer(dest).Object(dbus.ObjectPath(path)).Interface(iface).Call(ctx, method, body)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	for _, v := range resp {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runStats(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	time.Sleep(200 * time.Millisecond)
	fmt.Printf("%# v\n", pretty.Formatter(conn.Stats()))
	return nil
}

// Program parley is a command-line chat server and client for the Parley v0
// protocol.
package main

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/client"
	"github.com/creachadair/parley/directory"
	"github.com/creachadair/parley/server"
	"github.com/creachadair/taskgroup"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "A chat server and client for the Parley v0 protocol.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a chat server hosting one or more named rooms.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "join",
				Usage:    "<room>",
				Help:     "Join a chat room and relay lines between stdin/stdout and the room.",
				SetFlags: command.Flags(flax.MustBind, &joinFlags),
				Run:      runJoin,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var serveFlags = struct {
	Listen  string `flag:"listen,Listen address (host:port or socket path)"`
	Rooms   string `flag:"rooms,Comma-separated names of rooms to announce"`
	WS      string `flag:"ws,Also serve websocket clients at this address (optional)"`
	Verbose bool   `flag:"v,Enable verbose logging"`
}{
	Listen: "localhost:4040",
	Rooms:  "lobby",
}

func runServe(env *command.Env) error {
	log := newLogger(serveFlags.Verbose)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir := directory.New()
	var rooms []*parley.Room
	for _, name := range strings.Split(serveFlags.Rooms, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		room := parley.NewRoom().Log(log.With("room", name)).Start()
		if err := dir.Announce(name, room); err != nil {
			room.Stop()
			return err
		}
		rooms = append(rooms, room)
	}
	if len(rooms) == 0 {
		return errors.New("no rooms to announce")
	}
	defer func() {
		for _, room := range rooms {
			room.Stop()
		}
	}()

	ntype, addr := parley.SplitAddress(serveFlags.Listen)
	lst, err := net.Listen(ntype, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("server listening", "network", ntype, "address", lst.Addr(), "rooms", dir.Names())

	srv := server.New(dir).Log(log)
	g := taskgroup.New(nil)
	g.Go(func() error { return srv.Loop(ctx, server.NetAccepter(lst)) })

	if serveFlags.WS != "" {
		queue := server.NewQueue()
		mux := http.NewServeMux()
		mux.Handle("/ws", channel.Handler(func(ch parley.Channel) { go queue.Push(ch) }))
		mux.Handle("/debug/vars", expvar.Handler())
		hsrv := &http.Server{Addr: serveFlags.WS, Handler: mux}

		g.Go(func() error {
			err := hsrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error { return srv.Loop(ctx, queue) })
		g.Go(func() error {
			<-ctx.Done()
			queue.Close()
			return hsrv.Shutdown(context.Background())
		})
		log.Info("websocket endpoint ready", "address", serveFlags.WS, "path", "/ws")
	}

	return g.Wait()
}

var joinFlags = struct {
	Address  string        `flag:"addr,Server address (host:port, socket path, or ws:// URL)"`
	Nick     string        `flag:"nick,Nickname to register (prompted for if empty)"`
	Timeout  time.Duration `flag:"timeout,Per-attempt discovery timeout"`
	Attempts int           `flag:"max-attempts,Maximum discovery attempts (0 = retry until interrupted)"`
	Backoff  time.Duration `flag:"backoff,Pause between discovery attempts"`
	Verbose  bool          `flag:"v,Enable verbose logging"`
}{
	Address: "localhost:4040",
	Timeout: time.Second,
	Backoff: 500 * time.Millisecond,
}

func runJoin(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("missing room name")
	}
	room := env.Args[0]

	log := newLogger(joinFlags.Verbose)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := client.Discover(ctx, joinFlags.Address, room, client.DiscoverOptions{
		Timeout:     joinFlags.Timeout,
		MaxAttempts: joinFlags.Attempts,
		Backoff:     joinFlags.Backoff,
		Log:         log,
	})
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	defer sess.Close()

	in := bufio.NewReader(os.Stdin)
	if err := joinNick(ctx, sess, in); err != nil {
		return err
	}
	fmt.Printf("*** joined %q as %q\n", room, sess.Nick())

	return sess.Run(ctx, in, os.Stdout)
}

// joinNick registers a nickname with the resolved room. With an explicit
// -nick flag a rejection is fatal; otherwise the user is prompted and may
// retry until a nickname is accepted.
func joinNick(ctx context.Context, sess *client.Session, in *bufio.Reader) error {
	if joinFlags.Nick != "" {
		return sess.Join(ctx, joinFlags.Nick)
	}
	for {
		fmt.Print("nickname: ")
		line, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("no nickname given")
			}
			return err
		}
		nick := strings.TrimSpace(line)
		if nick == "" {
			continue
		}
		err = sess.Join(ctx, nick)
		if errors.Is(err, client.ErrJoinRejected) {
			fmt.Printf("*** %v\n", err)
			continue
		}
		return err
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

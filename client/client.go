// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package client implements a Parley chat client.
//
// A client's life has three phases. Discovery dials the server and polls its
// directory until the requested room resolves, with a bounded per-attempt
// timeout. The join handshake registers a nickname with the room and blocks
// until the room's reply arrives. After that the session runs two independent
// loops: one receiving room fan-out and rendering it to the output, one
// reading input lines and casting them to the room. The session is linked to
// the server: when the server side of the channel goes away, both loops
// terminate and Run returns.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/directory"
	"github.com/creachadair/taskgroup"
)

// ErrJoinRejected is reported by Join when the room rejects the requested
// nickname. The caller may retry with a different nickname on the same
// session.
var ErrJoinRejected = errors.New("join rejected")

// DiscoverOptions control the discovery retry loop. A zero value is ready for
// use: each attempt is bounded by a 1s timeout, and attempts repeat without
// backoff until ctx ends.
type DiscoverOptions struct {
	Timeout     time.Duration // per-attempt timeout (default 1s)
	MaxAttempts int           // maximum attempts (0 = retry until ctx ends)
	Backoff     time.Duration // pause between attempts (default none)
	Log         *slog.Logger  // session logger (default discard)
}

func (o DiscoverOptions) log() *slog.Logger {
	if o.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Log
}

// Discover dials the server at addr and resolves the named room, retrying
// per opts until the room is announced there. On success it returns a
// session ready for Join.
//
// If addr begins with "ws://" or "wss://" the connection uses a websocket;
// otherwise the network is chosen by [parley.SplitAddress].
func Discover(ctx context.Context, addr, room string, opts DiscoverOptions) (*Session, error) {
	return directory.Await(ctx, directory.AwaitOptions{
		Timeout:     opts.Timeout,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
	}, func(actx context.Context) (*Session, error) {
		ch, err := dial(actx, addr)
		if err != nil {
			return nil, err
		}
		s := &Session{ch: ch, log: opts.log()}
		if err := s.resolve(actx, room); err != nil {
			ch.Close()
			return nil, err
		}
		return s, nil
	})
}

func dial(ctx context.Context, addr string) (parley.Channel, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return channel.Dial(ctx, addr)
	}
	ntype, naddr := parley.SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, ntype, naddr)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A Session is a connection to a server on which a room has been resolved.
// A session is not safe for concurrent use until Join has succeeded; after
// that, Run may be used.
type Session struct {
	ch   parley.Channel
	log  *slog.Logger
	nick string

	// Chat messages that arrived while a handshake reply was pending. They
	// are delivered to the receive loop ahead of new arrivals.
	pending []parley.ChatMessage
}

// NewSession wraps an existing channel as a session whose room has already
// been resolved by other means. It is intended for wiring a client to a
// local or pre-established channel.
func NewSession(ch parley.Channel) *Session {
	return &Session{ch: ch, log: slog.New(slog.DiscardHandler)}
}

// Close closes the session's channel.
func (s *Session) Close() error { return s.ch.Close() }

// resolve performs the directory half of the handshake: one Resolve call,
// failing if the room is not (yet) announced at the server.
func (s *Session) resolve(ctx context.Context, room string) error {
	err := s.ch.Send(&parley.Packet{Type: parley.PacketResolve, Payload: parley.Resolve{Room: room}.Encode()})
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	for {
		pkt, err := s.recv(ctx)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		switch pkt.Type {
		case parley.PacketResolveReply:
			var rsp parley.ResolveReply
			if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			if !rsp.OK {
				return fmt.Errorf("resolve: %s", rsp.Message)
			}
			return nil
		default:
			s.log.Warn("discarding packet", "type", pkt.Type)
		}
	}
}

// Join registers nick with the resolved room. It blocks until the room's
// reply arrives, ctx ends, or the server link breaks. If the room rejects
// the nickname, Join reports an error wrapping ErrJoinRejected and the
// caller may retry with a different nickname.
func (s *Session) Join(ctx context.Context, nick string) error {
	err := s.ch.Send(&parley.Packet{Type: parley.PacketJoin, Payload: parley.JoinRequest{Nick: nick}.Encode()})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	for {
		pkt, err := s.recv(ctx)
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		switch pkt.Type {
		case parley.PacketJoinReply:
			var rsp parley.JoinReply
			if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
				return fmt.Errorf("join: %w", err)
			}
			if !rsp.OK() {
				return fmt.Errorf("%w: %s", ErrJoinRejected, rsp.Message)
			}
			s.nick = nick
			return nil

		case parley.PacketChat:
			// Room fan-out may arrive ahead of the handshake reply; hold such
			// messages for the receive loop.
			var msg parley.ChatMessage
			if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
				s.log.Warn("discarding packet", "type", pkt.Type, "err", err)
				continue
			}
			s.pending = append(s.pending, msg)

		default:
			s.log.Warn("discarding packet", "type", pkt.Type)
		}
	}
}

// Nick returns the nickname registered by a successful Join, or "".
func (s *Session) Nick() string { return s.nick }

// recv receives the next packet, honoring ctx: if ctx ends first, the
// channel is closed and the pending receive reports an error.
func (s *Session) recv(ctx context.Context) (*parley.Packet, error) {
	done := make(chan struct{})
	defer close(done)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			s.ch.Close()
		case <-done:
			// release the watcher
		}
		return nil
	})

	pkt, err := s.ch.Recv()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pkt, err
}

// Run runs the session's two loops concurrently: the receive loop renders
// each inbound message to out as it arrives, and the send loop casts each
// line read from in to the room. The loops are independent, but the session
// fails together: when either loop observes a broken server link, or ctx
// ends, the whole session terminates. Run returns nil at end of input or
// when the server closes the channel.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := taskgroup.New(nil)
	g.Go(func() error { <-sctx.Done(); return s.ch.Close() })
	g.Go(func() error { defer cancel(); return s.receiveLoop(out) })
	g.Go(func() error { defer cancel(); return s.sendLoop(sctx, in) })

	g.Wait()
	return ctx.Err()
}

// receiveLoop renders inbound chat messages to out until the channel closes.
func (s *Session) receiveLoop(out io.Writer) error {
	for _, msg := range s.pending {
		fmt.Fprintln(out, render(msg))
	}
	s.pending = nil

	for {
		pkt, err := s.ch.Recv()
		if err != nil {
			return nil // server gone: a normal exit
		}
		if pkt.Type != parley.PacketChat {
			s.log.Warn("discarding packet", "type", pkt.Type)
			continue
		}
		var msg parley.ChatMessage
		if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
			s.log.Warn("discarding packet", "type", pkt.Type, "err", err)
			continue
		}
		fmt.Fprintln(out, render(msg))
	}
}

// sendLoop casts each line of in to the room until end of input, a failed
// send, or ctx ends. Lines are read in a separate goroutine so that the loop
// can observe cancellation while a read is pending.
func (s *Session) sendLoop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	taskgroup.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return nil
			}
		}
		return sc.Err()
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil // end of input
			}
			msg := parley.ChatMessage{From: parley.Member(s.nick), Body: line}
			if err := s.ch.Send(&parley.Packet{Type: parley.PacketChat, Payload: msg.Encode()}); err != nil {
				return nil // server gone: the receive loop reports the link loss
			}
		}
	}
}

// render formats a message for the user-facing output: system notices are
// prefixed with "***", member messages with the sender's nickname.
func render(msg parley.ChatMessage) string {
	if msg.From.IsServer() {
		return "*** " + msg.Body
	}
	return fmt.Sprintf("<%s> %s", msg.From.Nick(), msg.Body)
}

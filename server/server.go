// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package server runs the network side of a Parley chat service: it accepts
// packet channels from a transport and runs a session for each one, bridging
// resolve, join, and chat packets into the rooms announced in a directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/directory"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// An Accepter delivers inbound packet channels to the serving loop.
type Accepter interface {
	Accept(context.Context) (parley.Channel, error)
}

// A Server bridges network sessions into the rooms of a directory.
type Server struct {
	dir *directory.Dir
	log *slog.Logger
}

// New constructs a server for the rooms announced in dir.
func New(dir *directory.Dir) *Server {
	return &Server{dir: dir, log: slog.New(slog.DiscardHandler)}
}

// Log sets the logger used by the server and returns s to permit chaining.
// The default discards all logs.
func (s *Server) Log(log *slog.Logger) *Server { s.log = log; return s }

// Loop accepts channels from acc and runs a session for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running sessions are stopped. When acc closes, the
// loop waits for running sessions to exit before returning.
func (s *Server) Loop(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() { <-sctx.Done(); ch.Close() }()
			return (&session{srv: s, ch: ch}).run(sctx)
		})
	}
}

// A session serves one connected client: a linear handshake (resolve, then
// join) followed by a receive loop that casts chat packets into the joined
// room. The session's reply channel is registered with the room on join; the
// session reader doubles as the liveness monitor for the network leg, posting
// a disconnect notification when the channel fails.
type session struct {
	srv  *Server
	ch   parley.Channel
	room *parley.Room
	id   uuid.UUID // the reply channel ID assigned on join, or uuid.Nil
	nick string
}

func (s *session) run(ctx context.Context) error {
	var reason error = io.EOF
	defer func() {
		s.ch.Close()
		if s.room != nil && s.id != uuid.Nil {
			s.room.Disconnect(parley.Disconnect{Channel: s.id, Reason: reason})
		}
	}()

	for {
		pkt, err := s.ch.Recv()
		if err != nil {
			reason = err
			return nil // a closed channel is a normal exit
		}
		if err := s.dispatch(ctx, pkt); err != nil {
			s.srv.log.Warn("session failed", "nick", s.nick, "err", err)
			reason = err
			return nil
		}
	}
}

// dispatch routes one inbound packet. A malformed payload or an unexpected
// packet type is logged and discarded; only a failure to reply is fatal to
// the session.
func (s *session) dispatch(ctx context.Context, pkt *parley.Packet) error {
	switch pkt.Type {
	case parley.PacketResolve:
		var req parley.Resolve
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			s.drop(pkt, err)
			return nil
		}
		return s.handleResolve(req)

	case parley.PacketJoin:
		var req parley.JoinRequest
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			s.drop(pkt, err)
			return nil
		}
		return s.handleJoin(ctx, req)

	case parley.PacketChat:
		var msg parley.ChatMessage
		if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
			s.drop(pkt, err)
			return nil
		}
		if s.id == uuid.Nil {
			s.drop(pkt, errors.New("chat before join"))
			return nil
		}
		// Fire-and-forget: no reply is sent for a cast.
		if err := s.room.Broadcast(msg); err != nil {
			return fmt.Errorf("broadcast: %w", err)
		}
		return nil

	default:
		s.drop(pkt, errors.New("unexpected packet type"))
		return nil
	}
}

func (s *session) drop(pkt *parley.Packet, err error) {
	s.srv.log.Warn("discarding packet", "type", pkt.Type, "err", err)
}

func (s *session) handleResolve(req parley.Resolve) error {
	rsp := parley.ResolveReply{OK: true}
	room, ok := s.srv.dir.Resolve(req.Room)
	if ok {
		s.room = room
	} else {
		rsp.OK = false
		rsp.Message = fmt.Sprintf("no room named %q", req.Room)
	}
	return s.ch.Send(&parley.Packet{Type: parley.PacketResolveReply, Payload: rsp.Encode()})
}

func (s *session) handleJoin(ctx context.Context, req parley.JoinRequest) error {
	var rsp parley.JoinReply
	if s.room == nil {
		rsp.Message = "no room resolved"
	} else if s.id != uuid.Nil {
		rsp.Message = fmt.Sprintf("already joined as %q", s.nick)
	} else if id, err := s.room.Join(ctx, req, s.ch); err != nil {
		rsp.Message = err.Error()
	} else {
		rsp.Channel = id
		s.id = id
		s.nick = req.Nick
	}
	return s.ch.Send(&parley.Packet{Type: parley.PacketJoinReply, Payload: rsp.Encode()})
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (parley.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A Queue is an Accepter fed programmatically, for transports that deliver
// connections through a callback rather than a listener (for example the
// websocket handler in the channel package).
type Queue struct {
	chs  chan parley.Channel
	stop chan struct{}
	once sync.Once
}

// NewQueue constructs a new open Queue.
func NewQueue() *Queue {
	return &Queue{chs: make(chan parley.Channel), stop: make(chan struct{})}
}

// Push delivers ch to the accept loop, blocking until it is accepted.
// If the queue is closed, ch is closed and discarded.
func (q *Queue) Push(ch parley.Channel) {
	select {
	case q.chs <- ch:
	case <-q.stop:
		ch.Close()
	}
}

// Accept implements a method of the [Accepter] interface.
func (q *Queue) Accept(ctx context.Context) (parley.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop:
		return nil, net.ErrClosed
	case ch := <-q.chs:
		return ch, nil
	}
}

// Close closes the queue, causing pending and future Accept calls to report
// net.ErrClosed.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.stop) })
	return nil
}

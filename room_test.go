// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package parley_test

import (
	"errors"
	"expvar"
	"io"
	"net"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// A testClient is one registered member of a room under test: the client end
// of its reply channel, plus a routine decoding inbound chat messages.
type testClient struct {
	nick string
	id   uuid.UUID
	side parley.Channel
	msgs chan parley.ChatMessage
}

// join registers a new member and fails the test if the room rejects it.
func join(t *testing.T, room *parley.Room, nick string) *testClient {
	t.Helper()
	rch, cch := channel.Direct()
	return joinOn(t, room, nick, rch, cch)
}

// joinOn is join with a caller-supplied channel pair: rch is registered as the
// member's reply channel, cch is the end the test reads from.
func joinOn(t *testing.T, room *parley.Room, nick string, rch, cch parley.Channel) *testClient {
	t.Helper()

	tc := &testClient{nick: nick, side: cch, msgs: make(chan parley.ChatMessage, 16)}
	go func() {
		defer close(tc.msgs)
		for {
			pkt, err := cch.Recv()
			if err != nil {
				return
			}
			var msg parley.ChatMessage
			if err := msg.UnmarshalBinary(pkt.Payload); err == nil {
				tc.msgs <- msg
			}
		}
	}()

	id, err := room.Join(t.Context(), parley.JoinRequest{Nick: nick}, rch)
	if err != nil {
		t.Fatalf("Join %q: unexpected error: %v", nick, err)
	}
	tc.id = id
	return tc
}

// next returns the next message delivered to c, or fails the test.
func (c *testClient) next(t *testing.T) parley.ChatMessage {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			t.Fatalf("Client %q: reply channel closed", c.nick)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("Client %q: timed out waiting for a message", c.nick)
	}
	panic("unreachable")
}

// quiet fails the test if a message is delivered to c shortly after the call.
func (c *testClient) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if ok {
			t.Errorf("Client %q: unexpected message %v", c.nick, msg)
		}
	case <-time.After(50 * time.Millisecond):
		// all's quiet, as it should be
	}
}

func checkMessage(t *testing.T, got, want parley.ChatMessage) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(parley.Sender{})); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}
}

func checkMembers(t *testing.T, room *parley.Room, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, room.Members()); diff != "" {
		t.Errorf("Members (-want, +got):\n%s", diff)
	}
}

// TestRoom exercises the lifecycle of a room: join, collision, broadcast,
// disconnect, and duplicate disconnect.
func TestRoom(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	defer func() {
		if err := room.Stop(); err != nil {
			t.Errorf("Stopping room: %v", err)
		}
	}()

	// An empty room has no members, and the first member gets no arrival
	// notice (there was nobody registered before it).
	checkMembers(t, room)
	alice := join(t, room, "alice")
	checkMembers(t, room, "alice")
	alice.quiet(t)

	// A second join under the same nickname is rejected: the caller gets a
	// system notice with the reason, and the registry is unchanged.
	t.Run("Collision", func(t *testing.T) {
		rch, cch := channel.Direct()
		id, err := room.Join(t.Context(), parley.JoinRequest{Nick: "alice"}, rch)
		if !errors.Is(err, parley.ErrNickInUse) {
			t.Errorf("Join: got id=%v err=%v, want %v", id, err, parley.ErrNickInUse)
		}

		pkt, err := cch.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		var msg parley.ChatMessage
		if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
			t.Fatalf("Unmarshal: unexpected error: %v", err)
		}
		checkMessage(t, msg, parley.ChatMessage{Body: `nickname "alice" already in use`})
		checkMembers(t, room, "alice")
		cch.Close()
	})

	// A join under a fresh nickname succeeds; the arrival is announced to the
	// previous members but not to the newcomer.
	bob := join(t, room, "bob")
	checkMembers(t, room, "alice", "bob")
	checkMessage(t, alice.next(t), parley.ChatMessage{Body: "bob has joined"})
	bob.quiet(t)

	// A broadcast reaches every member, including the sender.
	hi := parley.ChatMessage{From: parley.Member("alice"), Body: "hi"}
	if err := room.Broadcast(hi); err != nil {
		t.Fatalf("Broadcast: unexpected error: %v", err)
	}
	checkMessage(t, alice.next(t), hi)
	checkMessage(t, bob.next(t), hi)

	// A liveness-loss signal removes the member and announces the departure
	// to the remainder, exactly once.
	room.Disconnect(parley.Disconnect{Channel: alice.id, Reason: io.EOF})
	checkMessage(t, bob.next(t), parley.ChatMessage{Body: "alice has left"})
	checkMembers(t, room, "bob")

	// A duplicate signal for the removed channel is a no-op.
	room.Disconnect(parley.Disconnect{Channel: alice.id, Reason: io.EOF})
	bob.quiet(t)
	checkMembers(t, room, "bob")
}

// A flakyChannel delivers packets normally until its trip channel is closed,
// after which every Send fails.
type flakyChannel struct {
	parley.Channel
	trip chan struct{}
}

func (f *flakyChannel) Send(pkt *parley.Packet) error {
	select {
	case <-f.trip:
		return net.ErrClosed
	default:
		return f.Channel.Send(pkt)
	}
}

// TestRoomMonitor verifies that a failed delivery is converted into a
// disconnect notification without an explicit signal from the caller.
func TestRoomMonitor(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	defer room.Stop()

	alice := join(t, room, "alice")

	rch, cch := channel.Direct()
	trip := make(chan struct{})
	bob := joinOn(t, room, "bob", &flakyChannel{Channel: rch, trip: trip}, cch)
	checkMessage(t, alice.next(t), parley.ChatMessage{Body: "bob has joined"})

	// Break bob's channel. The next delivery attempt fails, the monitor posts
	// the disconnect, and alice sees the departure.
	close(trip)
	room.Broadcast(parley.ChatMessage{From: parley.Member("alice"), Body: "anyone here?"})

	checkMessage(t, alice.next(t), parley.ChatMessage{From: parley.Member("alice"), Body: "anyone here?"})
	checkMessage(t, alice.next(t), parley.ChatMessage{Body: "bob has left"})
	checkMembers(t, room, "alice")

	// Disconnection closes bob's reply channel without delivering anything.
	if msg, ok := <-bob.msgs; ok {
		t.Errorf("Client %q: unexpected message %v", bob.nick, msg)
	}
}

// TestRoomSignalPolicy verifies that a monitor signal whose reason does not
// indicate loss of the channel leaves the registry unchanged.
func TestRoomSignalPolicy(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	defer room.Stop()

	alice := join(t, room, "alice")
	room.Disconnect(parley.Disconnect{Channel: alice.id, Reason: nil})
	alice.quiet(t)
	checkMembers(t, room, "alice")
}

// TestRoomSlowMember verifies that fan-out to a member with a full queue
// drops the message for that member rather than stalling delivery.
func TestRoomSlowMember(t *testing.T) {
	defer leaktest.Check(t)()

	dropped := func() int64 {
		room := parley.NewRoom()
		return room.Metrics().Get("messages_dropped").(*expvar.Int).Value()
	}
	before := dropped()

	room := parley.NewRoom().QueueSize(1).Start()
	defer room.Stop()

	// stuck never receives, so its delivery routine wedges on the first
	// message and its queue holds the second; later messages must be dropped
	// for it without delaying alice.
	rch, _ := channel.Direct()
	if _, err := room.Join(t.Context(), parley.JoinRequest{Nick: "stuck"}, rch); err != nil {
		t.Fatalf("Join stuck: unexpected error: %v", err)
	}
	alice := join(t, room, "alice")

	for i := 0; i < 5; i++ {
		if err := room.Broadcast(parley.ChatMessage{From: parley.Member("alice"), Body: "ping"}); err != nil {
			t.Fatalf("Broadcast %d: unexpected error: %v", i+1, err)
		}
		checkMessage(t, alice.next(t), parley.ChatMessage{From: parley.Member("alice"), Body: "ping"})
	}

	if after := dropped(); after <= before {
		t.Errorf("Dropped deliveries: got %d, want > %d", after, before)
	}
}

// TestRoomStopAfterRejection verifies that a rejection notice nobody reads
// does not keep the room from shutting down: the notice channel is not in the
// registry, so Stop must bound the pending send itself.
func TestRoomStopAfterRejection(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	join(t, room, "alice")

	// The colliding caller never reads its channel, leaving the notice send
	// pending.
	rch, _ := channel.Direct()
	if _, err := room.Join(t.Context(), parley.JoinRequest{Nick: "alice"}, rch); !errors.Is(err, parley.ErrNickInUse) {
		t.Fatalf("Join: got %v, want %v", err, parley.ErrNickInUse)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- room.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return: rejection notice still pending")
	}
}

// TestRoomUnstarted verifies that operations on a room that was never started
// fail fast instead of blocking.
func TestRoomUnstarted(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom()
	rch, cch := channel.Direct()
	defer cch.Close()

	if _, err := room.Join(t.Context(), parley.JoinRequest{Nick: "alice"}, rch); !errors.Is(err, parley.ErrRoomClosed) {
		t.Errorf("Join: got %v, want %v", err, parley.ErrRoomClosed)
	}
	if err := room.Broadcast(parley.ChatMessage{Body: "anyone?"}); !errors.Is(err, parley.ErrRoomClosed) {
		t.Errorf("Broadcast: got %v, want %v", err, parley.ErrRoomClosed)
	}
	room.Disconnect(parley.Disconnect{}) // must not block
	if got := room.Members(); got != nil {
		t.Errorf("Members: got %v, want nil", got)
	}
	if err := room.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestRoomClosed(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	alice := join(t, room, "alice")
	if err := room.Stop(); err != nil {
		t.Fatalf("Stop: unexpected error: %v", err)
	}

	// The member's reply channel is closed by shutdown.
	if _, ok := <-alice.msgs; ok {
		t.Error("Reply channel: got message, want closed")
	}

	rch, cch := channel.Direct()
	defer cch.Close()
	if _, err := room.Join(t.Context(), parley.JoinRequest{Nick: "late"}, rch); !errors.Is(err, parley.ErrRoomClosed) {
		t.Errorf("Join: got %v, want %v", err, parley.ErrRoomClosed)
	}
	if err := room.Broadcast(parley.ChatMessage{Body: "anyone?"}); !errors.Is(err, parley.ErrRoomClosed) {
		t.Errorf("Broadcast: got %v, want %v", err, parley.ErrRoomClosed)
	}
	if got := room.Members(); got != nil {
		t.Errorf("Members: got %v, want nil", got)
	}

	// A second stop is harmless.
	if err := room.Stop(); err != nil {
		t.Errorf("Second Stop: unexpected error: %v", err)
	}
}

func TestRoomMisuse(t *testing.T) {
	defer leaktest.Check(t)()

	room := parley.NewRoom().Start()
	defer room.Stop()

	mtest.MustPanic(t, func() { room.Start() })
	mtest.MustPanic(t, func() { parley.NewRoom().QueueSize(0) })

	if _, err := room.Join(t.Context(), parley.JoinRequest{}, nil); err == nil {
		t.Error("Join with empty nickname: want error")
	}
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// A Channel is a reliable ordered stream of packets shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by
// multiple senders and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// ErrRoomClosed is reported for operations on a room that is not running,
// either because it was never started or because it has stopped.
var ErrRoomClosed = errors.New("room is closed")

// ErrNickInUse is reported by Join when the requested nickname is already
// registered. The rejection is also delivered on the caller's reply channel
// as a system notice, so a member of the room sees a textual reason.
var ErrNickInUse = errors.New("nickname already in use")

// defaultQueueSize is the default capacity of a member's reply queue.
const defaultQueueSize = 32

// A Room is a chat room process: the sole owner of the registry mapping
// nicknames to member reply channels. All registry operations happen inside
// the room's single service goroutine, which consumes one mailbox message at
// a time; no other goroutine reads or writes the registry.
//
// Call Start to start the service routine for the room. Once started, a room
// runs until Stop is called. Use Wait to wait for the room to exit.
//
// A Room must not be copied after any method has been called, and may be
// started at most once.
type Room struct {
	log       *slog.Logger
	queueSize int

	μ     sync.Mutex
	tasks *taskgroup.Group

	joinc chan joinEvent
	castc chan ChatMessage
	downc chan Disconnect
	querc chan chan []string
	stopc chan struct{}
	done  chan struct{} // closed when the service routine has exited

	stop sync.Once

	// The registry. Owned exclusively by the service routine; never touched
	// by any other goroutine.
	members map[string]*member    // nickname → member
	index   map[uuid.UUID]*member // reply channel ID → member
}

// A member records one registered client: its nickname, the ID of its reply
// channel, and the buffered queue drained by its delivery routine.
type member struct {
	nick  string
	id    uuid.UUID
	ch    Channel
	queue chan ChatMessage
}

// NewRoom constructs a new unstarted room.
func NewRoom() *Room {
	return &Room{
		log:       slog.New(slog.DiscardHandler),
		queueSize: defaultQueueSize,
	}
}

// Log sets the logger used by the room for discarded input and delivery
// problems, and returns r to permit chaining. It must be called before Start;
// the default discards all logs.
func (r *Room) Log(log *slog.Logger) *Room { r.log = log; return r }

// QueueSize sets the capacity of each member's reply queue and returns r to
// permit chaining. It must be called before Start. A message fanned out to a
// member whose queue is full is dropped for that member, so that one slow
// member cannot stall delivery to the others.
func (r *Room) QueueSize(n int) *Room {
	if n < 1 {
		panic(fmt.Sprintf("invalid queue size %d", n))
	}
	r.queueSize = n
	return r
}

// Start starts the service routine for the room. Start does not block; call
// Wait to wait for the room to exit.
func (r *Room) Start() *Room {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.tasks != nil {
		panic("room is already started")
	}

	r.tasks = taskgroup.New(nil)
	r.joinc = make(chan joinEvent)
	r.castc = make(chan ChatMessage)
	r.downc = make(chan Disconnect)
	r.querc = make(chan chan []string)
	r.stopc = make(chan struct{})
	r.done = make(chan struct{})
	r.members = make(map[string]*member)
	r.index = make(map[uuid.UUID]*member)

	r.tasks.Go(r.run)
	return r
}

// Stop terminates the room, closing the reply channels of all registered
// members. It blocks until the room has exited. Stop is safe to call multiple
// times and from multiple goroutines.
func (r *Room) Stop() error {
	r.μ.Lock()
	started := r.tasks != nil
	r.μ.Unlock()
	if !started {
		return nil
	}
	r.stop.Do(func() { close(r.stopc) })
	return r.Wait()
}

// Wait blocks until the room has exited. If the room was never started, Wait
// returns immediately.
func (r *Room) Wait() error {
	r.μ.Lock()
	t := r.tasks
	r.μ.Unlock()
	if t == nil {
		return nil
	}
	return t.Wait()
}

// started reports whether Start has been called.
func (r *Room) started() bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.tasks != nil
}

// Done returns a channel that is closed when the room's service routine has
// exited. A caller holding a handle to the room can use it as a termination
// link: when the room dies, anything selecting on Done observes the failure.
// Done returns nil if the room has not been started.
func (r *Room) Done() <-chan struct{} { return r.done }

// Join requests registration of a new member under req.Nick, using ch as the
// member's reply channel.
//
// If the nickname is available, the room registers the member, monitors ch
// for liveness, announces the arrival to the previously registered members,
// and returns the ID assigned to the reply channel.
//
// If the nickname is already registered, the room sends a system notice with
// the reason on ch, leaves the registry unchanged, and Join reports an error
// wrapping ErrNickInUse.
func (r *Room) Join(ctx context.Context, req JoinRequest, ch Channel) (uuid.UUID, error) {
	if req.Nick == "" {
		return uuid.Nil, errors.New("empty nickname")
	} else if len(req.Nick) > MaxNameLen {
		return uuid.Nil, fmt.Errorf("nickname too long (%d bytes)", len(req.Nick))
	}
	if !r.started() {
		return uuid.Nil, ErrRoomClosed
	}
	ev := joinEvent{req: req, ch: ch, rsp: make(chan joinResult, 1)}
	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-r.done:
		return uuid.Nil, ErrRoomClosed
	case r.joinc <- ev:
	}
	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-r.done:
		return uuid.Nil, ErrRoomClosed
	case res := <-ev.rsp:
		return res.id, res.err
	}
}

// Broadcast delivers msg to every member currently registered, including the
// member named by msg.From. It is a fire-and-forget cast: Broadcast reports
// an error only if the room is not running.
func (r *Room) Broadcast(msg ChatMessage) error {
	if !r.started() {
		return ErrRoomClosed
	}
	select {
	case <-r.done:
		return ErrRoomClosed
	case r.castc <- msg:
		return nil
	}
}

// Disconnect delivers a liveness-loss notification to the room. If d.Channel
// does not name a registered reply channel the notification is a no-op, so
// duplicate signals for the same channel are harmless. Notifications for a
// stopped room are discarded.
func (r *Room) Disconnect(d Disconnect) {
	if !r.started() {
		return
	}
	select {
	case <-r.done:
	case r.downc <- d:
	}
}

// Members returns the nicknames of the currently registered members in
// lexicographic order. It returns nil if the room is not running.
func (r *Room) Members() []string {
	if !r.started() {
		return nil
	}
	q := make(chan []string, 1)
	select {
	case <-r.done:
		return nil
	case r.querc <- q:
	}
	select {
	case <-r.done:
		return nil
	case names := <-q:
		return names
	}
}

type joinEvent struct {
	req JoinRequest
	ch  Channel
	rsp chan joinResult
}

type joinResult struct {
	id  uuid.UUID
	err error
}

// run is the service routine for the room: the single consumer of the
// mailbox, and the only goroutine that touches the registry.
func (r *Room) run() error {
	defer close(r.done)
	for {
		select {
		case ev := <-r.joinc:
			ev.rsp <- r.handleJoin(ev)
		case msg := <-r.castc:
			r.handleBroadcast(msg)
		case d := <-r.downc:
			r.handleDisconnect(d)
		case q := <-r.querc:
			names := make([]string, 0, len(r.members))
			for nick := range r.members {
				names = append(names, nick)
			}
			sort.Strings(names)
			q <- names
		case <-r.stopc:
			r.closeAll()
			return nil
		}
	}
}

// handleJoin registers a new member, or rejects a nickname collision. Exactly
// one of the two happens: a rejection notice on the caller's channel, or a
// registration plus an arrival announcement to the previous members.
func (r *Room) handleJoin(ev joinEvent) joinResult {
	nick := ev.req.Nick
	if _, ok := r.members[nick]; ok {
		roomMetrics.joinRejected.Add(1)
		r.log.Info("join rejected", "nick", nick)

		// Deliver the rejection notice asynchronously: the caller's channel is
		// not monitored, and a stalled send must not block the mailbox. The
		// channel is not in the registry either, so shutdown does not close
		// it; the watcher closes it if the room stops while the send is still
		// pending, so that Stop cannot block on an unclaimed notice.
		notice := &Packet{Type: PacketChat, Payload: ChatMessage{
			Body: fmt.Sprintf("nickname %q already in use", nick),
		}.Encode()}
		r.tasks.Go(func() error {
			ok := make(chan struct{})
			defer close(ok)
			taskgroup.Go(func() error {
				select {
				case <-r.stopc:
					ev.ch.Close()
				case <-ok:
					// release the watcher
				}
				return nil
			})
			if err := ev.ch.Send(notice); err != nil {
				r.log.Debug("rejection notice not delivered", "nick", nick, "err", err)
			}
			return nil
		})
		return joinResult{err: fmt.Errorf("nickname %q: %w", nick, ErrNickInUse)}
	}

	// Announce the arrival before inserting, so the announcement reaches only
	// the previously registered members.
	r.fanout(ChatMessage{Body: nick + " has joined"})

	m := &member{nick: nick, id: uuid.New(), ch: ev.ch, queue: make(chan ChatMessage, r.queueSize)}
	r.members[nick] = m
	r.index[m.id] = m
	r.tasks.Go(r.deliver(m))

	roomMetrics.joins.Add(1)
	roomMetrics.membersActive.Add(1)
	r.log.Info("member joined", "nick", nick, "channel", m.id)
	return joinResult{id: m.id}
}

// handleBroadcast fans msg out to every registered member, including its
// sender. The registry is not modified.
func (r *Room) handleBroadcast(msg ChatMessage) {
	roomMetrics.messagesIn.Add(1)
	r.fanout(msg)
}

// handleDisconnect removes the registry entry whose reply channel matches
// d.Channel and announces the departure to the remaining members. A signal
// for an unknown channel, or one whose reason does not indicate loss of the
// channel, leaves the registry unchanged.
func (r *Room) handleDisconnect(d Disconnect) {
	m, ok := r.index[d.Channel]
	if !ok {
		r.log.Debug("disconnect for unknown channel", "channel", d.Channel)
		return
	}
	if d.Reason == nil {
		r.log.Debug("monitor signal ignored", "nick", m.nick, "channel", d.Channel)
		return
	}

	delete(r.members, m.nick)
	delete(r.index, m.id)
	close(m.queue)
	m.ch.Close()

	roomMetrics.disconnects.Add(1)
	roomMetrics.membersActive.Add(-1)
	r.log.Info("member left", "nick", m.nick, "channel", m.id, "reason", d.Reason)

	r.fanout(ChatMessage{Body: m.nick + " has left"})
}

// fanout queues one copy of msg for every registered member. A member whose
// queue is full misses the message; the send never blocks the mailbox.
func (r *Room) fanout(msg ChatMessage) {
	for _, m := range r.members {
		select {
		case m.queue <- msg:
			roomMetrics.messagesOut.Add(1)
		default:
			roomMetrics.messagesDropped.Add(1)
			r.log.Warn("dropping message for slow member", "nick", m.nick, "channel", m.id)
		}
	}
}

// deliver returns the delivery routine for m: it drains the member's queue
// into its reply channel, and doubles as the liveness monitor. The first
// failed send posts a Disconnect for the member's channel into the mailbox;
// the routine then discards the remainder of the queue until the registry
// entry is removed and the queue is closed.
func (r *Room) deliver(m *member) func() error {
	return func() error {
		var failed bool
		for msg := range m.queue {
			if failed {
				continue
			}
			if err := m.ch.Send(&Packet{Type: PacketChat, Payload: msg.Encode()}); err != nil {
				failed = true
				r.Disconnect(Disconnect{Channel: m.id, Reason: err})
			}
		}
		return nil
	}
}

// closeAll releases every registry entry during shutdown. Members are not
// sent a departure notice; their channels are closed and the delivery
// routines run out.
func (r *Room) closeAll() {
	for _, m := range r.members {
		close(m.queue)
		m.ch.Close()
		roomMetrics.membersActive.Add(-1)
	}
	r.members = nil
	r.index = nil
}

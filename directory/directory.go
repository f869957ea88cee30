// Package directory maintains the mapping from human-chosen room names to
// running rooms, and provides the bounded-retry polling loop used for
// discovery.
//
// A server announces each of its rooms under a name:
//
//	dir := directory.New()
//	dir.Announce("lobby", room)
//
// A resolver looks a name up directly with [Dir.Resolve], or polls until the
// name appears with [Dir.Await] or the generic [Await].
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/parley"
)

// A Dir is an in-process directory of named rooms. It is safe for concurrent
// use by multiple goroutines.
type Dir struct {
	μ     sync.RWMutex
	rooms map[string]*parley.Room
}

// New constructs a new empty directory.
func New() *Dir { return &Dir{rooms: make(map[string]*parley.Room)} }

// Announce registers room under the given name. It reports an error if the
// name is already announced.
func (d *Dir) Announce(name string, room *parley.Room) error {
	if name == "" {
		return fmt.Errorf("empty room name")
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.rooms[name]; ok {
		return fmt.Errorf("room %q is already announced", name)
	}
	d.rooms[name] = room
	return nil
}

// Withdraw removes the announcement for name, if any.
func (d *Dir) Withdraw(name string) {
	d.μ.Lock()
	defer d.μ.Unlock()
	delete(d.rooms, name)
}

// Resolve reports the room announced under name, if one exists.
func (d *Dir) Resolve(name string) (*parley.Room, bool) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	room, ok := d.rooms[name]
	return room, ok
}

// Names returns the announced room names in lexicographic order.
func (d *Dir) Names() []string {
	d.μ.RLock()
	defer d.μ.RUnlock()
	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Await polls the directory until a room is announced under name, ctx ends,
// or the attempt budget of opts is exhausted.
func (d *Dir) Await(ctx context.Context, name string, opts AwaitOptions) (*parley.Room, error) {
	return Await(ctx, opts, func(context.Context) (*parley.Room, error) {
		room, ok := d.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("no room named %q", name)
		}
		return room, nil
	})
}

// AwaitOptions control the retry behavior of [Await]. A zero value is ready
// for use and provides the defaults described on the fields.
type AwaitOptions struct {
	// The timeout applied to each resolution attempt. If zero, use 1s.
	Timeout time.Duration

	// The maximum number of attempts before giving up. If zero, retry until
	// ctx ends.
	MaxAttempts int

	// How long to pause between attempts. If zero, retry immediately.
	Backoff time.Duration
}

func (o AwaitOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return time.Second
	}
	return o.Timeout
}

// Await repeatedly invokes resolve until it succeeds, ctx ends, or the
// attempt budget of opts is exhausted, and returns the first successful
// value. Each attempt runs under a context bounded by the per-attempt
// timeout; an attempt that misses is retried after the backoff.
func Await[T any](ctx context.Context, opts AwaitOptions, resolve func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, opts.timeout())
		v, err := resolve(actx)
		cancel()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("after %d attempts: %w", attempt, ctx.Err())
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(opts.Backoff):
			}
		}
	}
}

package directory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/directory"
	"github.com/google/go-cmp/cmp"
)

func TestDir(t *testing.T) {
	dir := directory.New()
	lobby := parley.NewRoom()
	annex := parley.NewRoom()

	if err := dir.Announce("lobby", lobby); err != nil {
		t.Fatalf("Announce lobby: unexpected error: %v", err)
	}
	if err := dir.Announce("annex", annex); err != nil {
		t.Fatalf("Announce annex: unexpected error: %v", err)
	}
	if err := dir.Announce("lobby", annex); err == nil {
		t.Error("Duplicate announce: want error")
	}
	if err := dir.Announce("", lobby); err == nil {
		t.Error("Empty name announce: want error")
	}

	if diff := cmp.Diff([]string{"annex", "lobby"}, dir.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}

	if room, ok := dir.Resolve("lobby"); !ok || room != lobby {
		t.Errorf("Resolve lobby: got %v, %v; want %v, true", room, ok, lobby)
	}
	if room, ok := dir.Resolve("nonesuch"); ok {
		t.Errorf("Resolve nonesuch: got %v, want not found", room)
	}

	dir.Withdraw("lobby")
	if room, ok := dir.Resolve("lobby"); ok {
		t.Errorf("Resolve after withdraw: got %v, want not found", room)
	}
	dir.Withdraw("lobby") // withdrawing an absent name is harmless
}

func TestAwait(t *testing.T) {
	t.Run("Immediate", func(t *testing.T) {
		dir := directory.New()
		lobby := parley.NewRoom()
		dir.Announce("lobby", lobby)

		room, err := dir.Await(t.Context(), "lobby", directory.AwaitOptions{})
		if err != nil {
			t.Fatalf("Await: unexpected error: %v", err)
		}
		if room != lobby {
			t.Errorf("Await: got %v, want %v", room, lobby)
		}
	})

	t.Run("Eventual", func(t *testing.T) {
		dir := directory.New()
		lobby := parley.NewRoom()

		// Announce the room after a few attempts have already failed.
		go func() {
			time.Sleep(50 * time.Millisecond)
			dir.Announce("lobby", lobby)
		}()
		room, err := dir.Await(t.Context(), "lobby", directory.AwaitOptions{
			Backoff: 5 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Await: unexpected error: %v", err)
		}
		if room != lobby {
			t.Errorf("Await: got %v, want %v", room, lobby)
		}
	})

	t.Run("Budget", func(t *testing.T) {
		dir := directory.New()
		_, err := dir.Await(t.Context(), "nonesuch", directory.AwaitOptions{
			MaxAttempts: 3,
		})
		if err == nil {
			t.Fatal("Await: want error")
		}
		if !strings.Contains(err.Error(), "after 3 attempts") {
			t.Errorf("Await: got error %v, want attempt count 3", err)
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		dir := directory.New()
		_, err := dir.Await(ctx, "nonesuch", directory.AwaitOptions{})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Await: got %v, want %v", err, context.Canceled)
		}
	})

	t.Run("Generic", func(t *testing.T) {
		var calls int
		got, err := directory.Await(t.Context(), directory.AwaitOptions{
			MaxAttempts: 5,
		}, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("not yet")
			}
			return "ready", nil
		})
		if err != nil {
			t.Fatalf("Await: unexpected error: %v", err)
		}
		if got != "ready" || calls != 3 {
			t.Errorf("Await: got %q after %d calls, want %q after 3", got, calls, "ready")
		}
	})
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package parley_test

import (
	"fmt"
	"testing"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
)

func BenchmarkBroadcast(b *testing.B) {
	for _, nm := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("members=%d", nm), func(b *testing.B) {
			room := parley.NewRoom().Start()
			defer room.Stop()

			for i := range nm {
				rch, cch := channel.Direct()
				go func() {
					for {
						if _, err := cch.Recv(); err != nil {
							return
						}
					}
				}()
				req := parley.JoinRequest{Nick: fmt.Sprintf("member-%d", i)}
				if _, err := room.Join(b.Context(), req, rch); err != nil {
					b.Fatalf("Join: unexpected error: %v", err)
				}
			}

			msg := parley.ChatMessage{From: parley.Member("member-0"), Body: "benchmark"}
			b.ResetTimer()
			for range b.N {
				if err := room.Broadcast(msg); err != nil {
					b.Fatalf("Broadcast: unexpected error: %v", err)
				}
			}
		})
	}
}

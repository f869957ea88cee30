// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package parley implements the Parley v0 chat protocol.
//
// Parley is a lightweight chat protocol in the actor style. A chat room is a
// single-owner message loop: the only mutable state, the registry of
// connected members, is confined to one service goroutine that consumes one
// mailbox message at a time. Clients are independent sessions that interact
// with a room exclusively by passing binary packets over a shared reliable
// channel; no memory is shared across the boundary. The packet format uses
// fixed headers to minimize the amount of bit-level manipulation necessary to
// encode and decode messages.
//
// # Rooms
//
// The core type defined by this package is the [Room]. A room owns the
// registry mapping each nickname to the reply channel of the member
// registered under it. The registry invariant is that nicknames are unique
// and an entry is present exactly when the corresponding member is connected.
//
// To create and start a room:
//
//	room := parley.NewRoom().Start()
//
// The room runs until [Room.Stop] is called. Call [Room.Wait] to wait for the
// room to exit.
//
// A member is registered with [Room.Join], which either registers the caller
// and announces the arrival to the previously registered members, or rejects
// a nickname collision by sending a system notice on the caller's channel and
// leaving the registry unchanged.
//
// Messages enter the room with [Room.Broadcast], a fire-and-forget cast. The
// room fans each message out to every registered member, including its
// sender. Delivery to each member goes through a buffered queue drained by a
// per-member routine, so one slow member cannot stall delivery to the others;
// a message that arrives while a member's queue is full is dropped for that
// member and counted in the room metrics.
//
// # Liveness
//
// When a member joins, its reply channel is monitored: the first failed send
// converts the failure into a [Disconnect] notification delivered to the
// room's own mailbox. The room handles it like any other input, serialized
// with joins and broadcasts: the registry entry is removed and the departure
// is announced to the remaining members. A duplicate notification for an
// already-removed channel is a no-op.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets as
// defined by the Parley specification. The channel package provides
// implementations over in-memory pipes, io streams, and websockets.
//
// # Discovery
//
// Rooms are announced under human-chosen names in a directory (see the
// directory package). A client resolves a (address, room name) pair to a
// session by polling the server's directory with a bounded per-attempt
// timeout; see the client package.
//
// # Metrics
//
// Rooms maintain a collection of metrics while running. Use the
// [Room.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the room. Metrics are shared globally among all rooms.
//
// The metrics currently exported include:
//
//   - members_active: gauge of currently registered members
//   - joins: counter of successful joins
//   - joins_rejected: counter of joins rejected for a nickname collision
//   - messages_in: counter of messages accepted for broadcast
//   - messages_out: counter of per-member deliveries queued
//   - messages_dropped: counter of per-member deliveries dropped
//   - disconnects: counter of members removed by liveness loss
//
// Additional metrics may be added in the future. It is safe for the caller to
// modify the metrics map to add, update, and remove entries.
package parley

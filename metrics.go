// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package parley

import "expvar"

// roomMetrics records room activity counters, shared by all rooms.
var roomMetrics = newMetrics()

type metrics struct {
	membersActive   expvar.Int // gauge of currently registered members
	joins           expvar.Int // number of successful joins
	joinRejected    expvar.Int // number of joins rejected for a nickname collision
	messagesIn      expvar.Int // number of messages accepted for broadcast
	messagesOut     expvar.Int // number of per-member deliveries queued
	messagesDropped expvar.Int // number of per-member deliveries dropped (slow member)
	disconnects     expvar.Int // number of members removed by liveness loss

	emap *expvar.Map
}

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("members_active", &m.membersActive)
	m.emap.Set("joins", &m.joins)
	m.emap.Set("joins_rejected", &m.joinRejected)
	m.emap.Set("messages_in", &m.messagesIn)
	m.emap.Set("messages_out", &m.messagesOut)
	m.emap.Set("messages_dropped", &m.messagesDropped)
	m.emap.Set("disconnects", &m.disconnects)
	return m
}

// Metrics returns the metrics map for the room. Metrics are shared globally
// among all rooms. It is safe for the caller to add additional metrics to the
// map while the room is active.
func (r *Room) Metrics() *expvar.Map { return roomMetrics.emap }

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/creachadair/parley"
	"github.com/gorilla/websocket"
)

// WS wraps a websocket connection as a channel. Each packet travels in one
// binary websocket frame; non-binary frames received from the peer are
// discarded.
func WS(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives packets over a websocket connection.
type WSChannel struct {
	μ    sync.Mutex // serializes senders; the gorilla package requires one writer
	conn *websocket.Conn
}

// Send implements a method of the [parley.Channel] interface.
func (c *WSChannel) Send(pkt *parley.Packet) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode())
}

// Recv implements a method of the [parley.Channel] interface.
func (c *WSChannel) Recv() (*parley.Packet, error) {
	for {
		mtype, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mtype != websocket.BinaryMessage {
			continue // ignore text and control payloads
		}
		var pkt parley.Packet
		if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid frame: %w", err)
		}
		return &pkt, nil
	}
}

// Close implements a method of the [parley.Channel] interface.
func (c *WSChannel) Close() error { return c.conn.Close() }

// Dial connects to the websocket endpoint at url and returns the connection
// wrapped as a channel.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return WS(conn), nil
}

// Handler returns an HTTP handler that upgrades each request to a websocket
// connection and invokes accept with the resulting channel. The accept
// callback must not block; it assumes ownership of the channel.
func Handler(accept func(parley.Channel)) http.Handler {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return // the upgrader has already reported the error to the client
		}
		accept(WS(conn))
	})
}

package parley

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Packet is the parsed format of a Parley v0 packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'P', 'Y', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if p := string(buf[:3]); p != "PY\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", p)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketResolve:
		var req Resolve
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketResolveReply:
		var rsp ResolveReply
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	case PacketJoin:
		var req JoinRequest
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketJoinReply:
		var rsp JoinReply
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	case PacketChat:
		var msg ChatMessage
		if err := msg.UnmarshalBinary(p.Payload); err == nil {
			pay = msg.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(PY%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a Parley v0 packet.
//
// All packet type values from 0 to 127 inclusive are reserved by the protocol
// and MUST NOT be used for any other purpose. Packet type values from 128-255
// are reserved for use by the implementation.
type PacketType byte

const (
	PacketResolve      PacketType = 2 // A directory lookup for a named room
	PacketResolveReply PacketType = 3 // The reply to a directory lookup
	PacketJoin         PacketType = 4 // A request to join a resolved room
	PacketJoinReply    PacketType = 5 // The reply to a join request
	PacketChat         PacketType = 6 // A chat message or system notice

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketResolve:
		return "RESOLVE"
	case PacketResolveReply:
		return "RESOLVE_REPLY"
	case PacketJoin:
		return "JOIN"
	case PacketJoinReply:
		return "JOIN_REPLY"
	case PacketChat:
		return "CHAT"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// MaxNameLen is the maximum permitted length in bytes of a room name or a
// nickname on the wire.
const MaxNameLen = 255

// Resolve is the payload format for a Parley v0 resolve packet. It asks the
// remote directory whether a room with the given name is announced there.
type Resolve struct {
	Room string
}

// Encode encodes the resolve request in binary format.
func (r Resolve) Encode() []byte { return []byte(r.Room) }

// UnmarshalBinary decodes data into a Parley v0 resolve payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Resolve) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty room name")
	} else if len(data) > MaxNameLen {
		return fmt.Errorf("room name too long (%d bytes)", len(data))
	}
	r.Room = string(data)
	return nil
}

// String returns a human-friendly rendering of the resolve request.
func (r Resolve) String() string { return fmt.Sprintf("Resolve(Room=%q)", r.Room) }

// ResolveReply is the payload format for a Parley v0 resolve reply packet.
type ResolveReply struct {
	OK      bool   // whether the requested room was found
	Message string // human-readable detail when OK is false
}

// Encode encodes the resolve reply in binary format.
func (r ResolveReply) Encode() []byte {
	buf := make([]byte, 1+len(r.Message))
	if r.OK {
		buf[0] = 1
	}
	copy(buf[1:], r.Message)
	return buf
}

// UnmarshalBinary decodes data into a Parley v0 resolve reply payload.
// It implements encoding.BinaryUnmarshaler.
func (r *ResolveReply) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("short resolve reply (%d bytes)", len(data))
	}
	if data[0] > 1 {
		return fmt.Errorf("invalid resolve flag %d", data[0])
	}
	r.OK = data[0] == 1
	r.Message = string(data[1:])
	return nil
}

// String returns a human-friendly rendering of the resolve reply.
func (r ResolveReply) String() string {
	return fmt.Sprintf("ResolveReply(OK=%v, %q)", r.OK, r.Message)
}

// JoinRequest is the payload format for a Parley v0 join packet. It asks the
// resolved room to register the sender under the given nickname.
type JoinRequest struct {
	Nick string
}

// Encode encodes the join request in binary format.
func (r JoinRequest) Encode() []byte { return []byte(r.Nick) }

// UnmarshalBinary decodes data into a Parley v0 join payload.
// It implements encoding.BinaryUnmarshaler.
func (r *JoinRequest) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty nickname")
	} else if len(data) > MaxNameLen {
		return fmt.Errorf("nickname too long (%d bytes)", len(data))
	}
	r.Nick = string(data)
	return nil
}

// String returns a human-friendly rendering of the join request.
func (r JoinRequest) String() string { return fmt.Sprintf("JoinRequest(Nick=%q)", r.Nick) }

// JoinReply is the payload format for a Parley v0 join reply packet. It
// acknowledges a join request: on success Channel carries the ID of the reply
// channel registered for the new member; on rejection Channel is the nil UUID
// and Message carries the reason.
type JoinReply struct {
	Channel uuid.UUID
	Message string
}

// OK reports whether the reply records a successful join.
func (r JoinReply) OK() bool { return r.Channel != uuid.Nil }

// Encode encodes the join reply in binary format.
func (r JoinReply) Encode() []byte {
	buf := make([]byte, 16+len(r.Message))
	copy(buf, r.Channel[:])
	copy(buf[16:], r.Message)
	return buf
}

// UnmarshalBinary decodes data into a Parley v0 join reply payload.
// It implements encoding.BinaryUnmarshaler.
func (r *JoinReply) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("short join reply (%d bytes)", len(data))
	}
	copy(r.Channel[:], data[:16])
	r.Message = string(data[16:])
	return nil
}

// String returns a human-friendly rendering of the join reply.
func (r JoinReply) String() string {
	if r.OK() {
		return fmt.Sprintf("JoinReply(Channel=%v)", r.Channel)
	}
	return fmt.Sprintf("JoinReply(rejected, %q)", r.Message)
}

// A Sender identifies the origin of a chat message: either the room itself
// (for system notices) or a member known by nickname. The zero value denotes
// the room. A Sender is immutable once constructed.
type Sender struct {
	nick string
}

// Member returns a Sender for the member with the given nickname.
func Member(nick string) Sender { return Sender{nick: nick} }

// IsServer reports whether s denotes the room rather than a member.
func (s Sender) IsServer() bool { return s.nick == "" }

// Nick returns the nickname of the sending member, or "" for the room.
func (s Sender) Nick() string { return s.nick }

func (s Sender) String() string {
	if s.IsServer() {
		return "server"
	}
	return s.nick
}

// Sender wire tags.
const (
	senderServer = 0
	senderMember = 1
)

// ChatMessage is the payload format for a Parley v0 chat packet. It carries
// chat content from a member, or a system notice from the room. Messages flow
// from a member to the room as a fire-and-forget cast, and from the room to
// every registered member during fan-out.
type ChatMessage struct {
	From Sender
	Body string
}

// Encode encodes the message in binary format.
func (m ChatMessage) Encode() []byte {
	if m.From.IsServer() {
		buf := make([]byte, 1+len(m.Body))
		buf[0] = senderServer
		copy(buf[1:], m.Body)
		return buf
	}
	nick := m.From.Nick()
	buf := make([]byte, 3+len(nick)+len(m.Body))
	buf[0] = senderMember
	binary.BigEndian.PutUint16(buf[1:], uint16(len(nick)))
	copy(buf[3:], nick)
	copy(buf[3+len(nick):], m.Body)
	return buf
}

// UnmarshalBinary decodes data into a Parley v0 chat payload.
// It implements encoding.BinaryUnmarshaler.
func (m *ChatMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("short chat payload (%d bytes)", len(data))
	}
	switch data[0] {
	case senderServer:
		m.From = Sender{}
		m.Body = string(data[1:])
	case senderMember:
		if len(data) < 3 {
			return fmt.Errorf("short chat payload (%d bytes)", len(data))
		}
		nlen := int(binary.BigEndian.Uint16(data[1:]))
		if nlen == 0 {
			return fmt.Errorf("empty sender nickname")
		} else if 3+nlen > len(data) {
			return fmt.Errorf("sender nickname truncated (%d > %d bytes)", 3+nlen, len(data))
		}
		m.From = Member(string(data[3 : 3+nlen]))
		m.Body = string(data[3+nlen:])
	default:
		return fmt.Errorf("invalid sender tag %d", data[0])
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m ChatMessage) String() string {
	return fmt.Sprintf("ChatMessage(From=%v, %q)", m.From, m.Body)
}

// A Disconnect is the liveness-loss notification for a monitored reply
// channel. It is not exchanged on the wire: the monitor delivers it into the
// room's mailbox, where it is serialized with all other room input.
//
// A nil Reason records a monitor signal that does not indicate loss of the
// channel; the room leaves its registry unchanged for such signals.
type Disconnect struct {
	Channel uuid.UUID
	Reason  error
}

func (d Disconnect) String() string {
	return fmt.Sprintf("Disconnect(Channel=%v, Reason=%v)", d.Channel, d.Reason)
}

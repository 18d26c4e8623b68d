// Package peer implements the per-peer Peer Wire Protocol state machine:
// handshake, message framing, choke/interest bookkeeping, and block
// request/response dispatch (spec §3, §4.4).
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a PWP message type (spec §4.4 message table).
type ID uint8

// Message ids, spec §4.4.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

func (id ID) String() string {
	names := map[ID]string{
		Choke: "choke", Unchoke: "unchoke", Interested: "interested",
		NotInterested: "not_interested", Have: "have", BitfieldMsg: "bitfield",
		Request: "request", Piece: "piece", Cancel: "cancel", Port: "port",
	}
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// MaxFrameLength rejects any length prefix above 2^17, per spec §4.4 read
// path ("A length prefix > 2^17 is rejected as OversizedFrame").
const MaxFrameLength = 1 << 17

// Message is a single framed PWP message (length-prefixed, after the
// handshake). A nil *Message with no error denotes a keep-alive
// (length == 0).
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as "u32 length | u8 id | payload". A nil *Message
// serializes to a zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads exactly one framed message from r. A keep-alive
// (length-prefix of 0) returns (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, &Error{Kind: OversizedFrame}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

// FormatHave builds a "have" message payload.
func FormatHave(index int) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(index))
	return &Message{ID: Have, Payload: p}
}

// FormatRequest builds a "request" message payload.
func FormatRequest(index, begin, length int) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return &Message{ID: Request, Payload: p}
}

// FormatCancel builds a "cancel" message payload.
func FormatCancel(index, begin, length int) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return &Message{ID: Cancel, Payload: p}
}

// FormatPiece builds a "piece" message for index/begin with data as payload.
func FormatPiece(index, begin int, data []byte) *Message {
	p := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	copy(p[8:], data)
	return &Message{ID: Piece, Payload: p}
}

// FormatBitfield builds a "bitfield" message from a packed MSB-first
// bitfield.
func FormatBitfield(bits []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: bits}
}

// ParseRequestPayload decodes a request/cancel payload.
func ParseRequestPayload(p []byte) (index, begin, length int, err error) {
	if len(p) != 12 {
		return 0, 0, 0, fmt.Errorf("peer: request payload must be 12 bytes, got %d", len(p))
	}
	index = int(binary.BigEndian.Uint32(p[0:4]))
	begin = int(binary.BigEndian.Uint32(p[4:8]))
	length = int(binary.BigEndian.Uint32(p[8:12]))
	return index, begin, length, nil
}

// ParsePiecePayload decodes a piece message's index/begin header and
// returns the remaining block data.
func ParsePiecePayload(p []byte) (index, begin int, data []byte, err error) {
	if len(p) < 8 {
		return 0, 0, nil, fmt.Errorf("peer: piece payload must be at least 8 bytes, got %d", len(p))
	}
	index = int(binary.BigEndian.Uint32(p[0:4]))
	begin = int(binary.BigEndian.Uint32(p[4:8]))
	return index, begin, p[8:], nil
}

// ParseHavePayload decodes a have message's piece index.
func ParseHavePayload(p []byte) (int, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("peer: have payload must be 4 bytes, got %d", len(p))
	}
	return int(binary.BigEndian.Uint32(p)), nil
}

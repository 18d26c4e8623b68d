package peer

import (
	"bytes"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLength is the fixed size of the PWP handshake frame (spec §4.4).
const HandshakeLength = 49 + len(protocolString)

// Handshake is the 68-byte opening frame of a peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake as
// 0x13 | "BitTorrent protocol" | 8 reserved bytes | info_hash | peer_id.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLength)
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, all zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a 68-byte handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) || !bytes.Equal(buf[1:1+pstrlen], []byte(protocolString)) {
		return Handshake{}, &Error{Kind: HandshakeMismatch}
	}
	var h Handshake
	cursor := 1 + pstrlen + 8
	copy(h.InfoHash[:], buf[cursor:cursor+20])
	copy(h.PeerID[:], buf[cursor+20:cursor+40])
	return h, nil
}

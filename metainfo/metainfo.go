// Package metainfo parses a .torrent byte stream into an immutable Torrent
// value and derives piece/block geometry (spec §3, §4.2).
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/torrentcore/torrentcore/bencode"
)

// BlockLength is the fixed unit of request on the wire (spec §3): 16 KiB.
const BlockLength = 16 * 1024

const sha1Size = 20

// Torrent is the immutable description of a single-file torrent, derived
// once at load time (spec §3).
type Torrent struct {
	InfoHash     [sha1Size]byte
	PieceLength  int64
	TotalLength  int64
	PieceHashes  [][sha1Size]byte
	AnnounceURL  string
	Name         string

	// InfoBytes is the exact on-wire encoding of the "info" dictionary,
	// kept around so callers needing to re-derive InfoHash (e.g. tests)
	// don't need to re-parse the whole file.
	InfoBytes []byte
}

// NumPieces returns the number of pieces, i.e. the number of entries in
// PieceHashes.
func (t *Torrent) NumPieces() int {
	return len(t.PieceHashes)
}

// LastPieceLength returns the length of the final, possibly short, piece.
func (t *Torrent) LastPieceLength() int64 {
	return t.TotalLength - t.PieceLength*(int64(t.NumPieces())-1)
}

// PieceLen returns the length of piece i, accounting for the short final
// piece.
func (t *Torrent) PieceLen(i int) int64 {
	if i == t.NumPieces()-1 {
		return t.LastPieceLength()
	}
	return t.PieceLength
}

// BlocksPerPiece returns ceil(piece_len(i) / BlockLength).
func (t *Torrent) BlocksPerPiece(i int) int {
	return int(ceilDiv(t.PieceLen(i), BlockLength))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Error is the taxonomy of fatal metainfo parsing failures (spec §7).
type Error struct {
	Kind    ErrorKind
	Key     string
	Wrapped error
}

// ErrorKind enumerates metainfo failure modes.
type ErrorKind int

const (
	// MissingKey means a required top-level or info key was absent.
	MissingKey ErrorKind = iota
	// BadPiecesLength means the "pieces" string length was not a
	// multiple of 20.
	BadPiecesLength
	// MultiFileUnsupported means the torrent described multiple files
	// via an "files" key; this core handles single-file torrents only.
	MultiFileUnsupported
	// Malformed means the byte stream did not parse as bencode at all.
	Malformed
)

func (e *Error) Error() string {
	switch e.Kind {
	case MissingKey:
		return fmt.Sprintf("metainfo: missing required key %q", e.Key)
	case BadPiecesLength:
		return "metainfo: pieces length is not a multiple of 20"
	case MultiFileUnsupported:
		return "metainfo: multi-file torrents are not supported by this core"
	case Malformed:
		return fmt.Sprintf("metainfo: malformed bencode: %s", e.Wrapped)
	default:
		return "metainfo: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Parse decodes a .torrent byte stream into a Torrent value (spec §4.2).
func Parse(data []byte) (*Torrent, error) {
	root, err := bencode.DecodeExact(data)
	if err != nil {
		return &Torrent{}, &Error{Kind: Malformed, Wrapped: err}
	}
	if root.Kind != bencode.KindDict {
		return nil, &Error{Kind: Malformed, Wrapped: fmt.Errorf("top-level value is not a dictionary")}
	}

	announce, ok := root.GetString("announce")
	if !ok {
		return nil, &Error{Kind: MissingKey, Key: "announce"}
	}
	info, ok := root.Get("info")
	if !ok || info.Kind != bencode.KindDict {
		return nil, &Error{Kind: MissingKey, Key: "info"}
	}

	name, ok := info.GetString("name")
	if !ok {
		return nil, &Error{Kind: MissingKey, Key: "info.name"}
	}
	pieceLength, ok := info.GetInt("piece length")
	if !ok {
		return nil, &Error{Kind: MissingKey, Key: "info.piece length"}
	}
	pieces, ok := info.GetString("pieces")
	if !ok {
		return nil, &Error{Kind: MissingKey, Key: "info.pieces"}
	}
	if len(pieces)%sha1Size != 0 {
		return nil, &Error{Kind: BadPiecesLength}
	}

	if _, hasFiles := info.Get("files"); hasFiles {
		return nil, &Error{Kind: MultiFileUnsupported}
	}
	length, ok := info.GetInt("length")
	if !ok {
		return nil, &Error{Kind: MissingKey, Key: "info.length"}
	}

	infoStart, infoEnd, found, err := bencode.TopLevelValueRange(data, "info")
	if err != nil || !found {
		return nil, &Error{Kind: Malformed, Wrapped: fmt.Errorf("could not recover info byte range: %w", err)}
	}
	infoBytes := append([]byte(nil), data[infoStart:infoEnd]...)
	infoHash := sha1.Sum(infoBytes)

	numHashes := len(pieces) / sha1Size
	hashes := make([][sha1Size]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], pieces[i*sha1Size:(i+1)*sha1Size])
	}

	return &Torrent{
		InfoHash:    infoHash,
		PieceLength: pieceLength,
		TotalLength: length,
		PieceHashes: hashes,
		AnnounceURL: string(announce),
		Name:        string(name),
		InfoBytes:   infoBytes,
	}, nil
}

// Package piecestore implements the data model of pieces, blocks, and
// bitfields, together with the scheduler that selects the next block to
// request and the hash-verified on-disk assembly of the target file
// (spec §3, §4.5).
package piecestore

import (
	"crypto/sha1"
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/torrentcore/torrentcore/metainfo"
)

// Store holds the mutable download state of a single torrent: need/have
// bitsets for pieces, per-piece need-block bitsets, in-flight block
// buffers, and the output file. All mutations are serialized by an
// internal mutex, giving callers the single-writer semantics spec §5
// describes even though several peer goroutines may call in concurrently.
type Store struct {
	torrent *metainfo.Torrent
	file    *os.File
	log     *zap.SugaredLogger

	mu          sync.Mutex
	needPieces  *bitset.BitSet
	havePieces  *bitset.BitSet
	needBlocks  []*bitset.BitSet // needBlocks[i] is nil once piece i is have; a fully reserved piece keeps an empty set
	buffered    map[int][][]byte // piece index -> block buffers, present only while assembling

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

// Open creates a Store backed by the file at path, truncated/created to
// the torrent's total length, with every piece initially needed.
func Open(t *metainfo.Torrent, path string, log *zap.SugaredLogger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &Error{Kind: IO, Wrapped: fmt.Errorf("open output file: %w", err)}
	}
	if err := f.Truncate(t.TotalLength); err != nil {
		f.Close()
		return nil, &Error{Kind: IO, Wrapped: fmt.Errorf("truncate output file: %w", err)}
	}

	n := t.NumPieces()
	s := &Store{
		torrent:    t,
		file:       f,
		log:        log,
		needPieces: bitset.New(uint(n)),
		havePieces: bitset.New(uint(n)),
		needBlocks: make([]*bitset.BitSet, n),
		buffered:   make(map[int][][]byte),
	}
	for i := 0; i < n; i++ {
		s.needPieces.Set(uint(i))
		s.needBlocks[i] = fullBlockSet(t.BlocksPerPiece(i))
	}
	return s, nil
}

func fullBlockSet(n int) *bitset.BitSet {
	b := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		b.Set(uint(i))
	}
	return b
}

// Close releases the output file handle.
func (s *Store) Close() error {
	return s.file.Close()
}

// Downloaded returns the monotone count of bytes admitted into buffers.
func (s *Store) Downloaded() int64 { return s.downloaded.Load() }

// Uploaded returns the monotone count of bytes served to peers.
func (s *Store) Uploaded() int64 { return s.uploaded.Load() }

// IsComplete reports whether every piece has been verified and written.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.havePieces.Count() == uint(s.torrent.NumPieces())
}

// HaveBitfield returns a copy of have_pieces, packed MSB-first per byte as
// required for the wire "bitfield" message (spec §4.4).
func (s *Store) HaveBitfield() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return packBitset(s.havePieces, s.torrent.NumPieces())
}

func packBitset(b *bitset.BitSet, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// NextRequest implements spec §4.5 next_request: given a peer's remote_have
// bitset, finds the lowest-index piece that intersects need_pieces, then
// the lowest-index unmet block within it, reserves it (clearing the block
// bit, and the piece bit if that was the last block), and returns the
// block's (index, offset, length). Returns ok=false if no intersection
// exists.
func (s *Store) NextRequest(remoteHave *bitset.BitSet) (index, offset, length int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	diff := s.needPieces.Clone()
	diff.InPlaceIntersection(remoteHave)
	pieceIdx, any := diff.NextSet(0)
	if !any {
		return 0, 0, 0, false
	}
	i := int(pieceIdx)

	blocks := s.needBlocks[i]
	if blocks == nil {
		return 0, 0, 0, false
	}
	blockIdx, any := blocks.NextSet(0)
	if !any {
		return 0, 0, 0, false
	}
	j := int(blockIdx)

	blocks.Clear(uint(j))
	if blocks.None() {
		s.needPieces.Clear(uint(i))
	}

	off := j * metainfo.BlockLength
	pieceLen := int(s.torrent.PieceLen(i))
	l := metainfo.BlockLength
	if pieceLen-off < l {
		l = pieceLen - off
	}
	return i, off, l, true
}

// RestoreBlocks reverses an earlier reservation made by NextRequest, used
// during peer teardown (spec §4.4 teardown, §4.5 "reservation is
// optimistic"). offsets are block byte offsets (multiples of BlockLength).
func (s *Store) RestoreBlocks(index int, offsets []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.needBlocks) {
		return
	}
	if s.havePieces.Test(uint(index)) {
		// Already verified; nothing to restore.
		return
	}
	if s.needBlocks[index] == nil {
		s.needBlocks[index] = bitset.New(uint(s.torrent.BlocksPerPiece(index)))
	}
	for _, off := range offsets {
		s.needBlocks[index].Set(uint(off / metainfo.BlockLength))
	}
	if s.needBlocks[index].Any() {
		s.needPieces.Set(uint(index))
	}
}

// StoreBlock admits a downloaded block into the piece's buffer (spec §4.5
// store). Once every block of the piece has arrived, the piece is hashed;
// on success it is written to disk and marked have, on failure the piece
// is reset to fully needed.
func (s *Store) StoreBlock(index, offset int, data []byte) error {
	s.mu.Lock()

	if index < 0 || index >= s.torrent.NumPieces() {
		s.mu.Unlock()
		return &Error{Kind: OutOfRange, Index: index}
	}

	blockIdx := offset / metainfo.BlockLength
	blocksPerPiece := s.torrent.BlocksPerPiece(index)
	bufs, ok := s.buffered[index]
	if !ok {
		bufs = make([][]byte, blocksPerPiece)
		s.buffered[index] = bufs
	}
	if blockIdx < 0 || blockIdx >= len(bufs) {
		s.mu.Unlock()
		return &Error{Kind: OutOfRange, Index: index}
	}
	bufs[blockIdx] = append([]byte(nil), data...)
	s.downloaded.Add(int64(len(data)))

	complete := true
	for _, b := range bufs {
		if b == nil {
			complete = false
			break
		}
	}
	if !complete {
		s.mu.Unlock()
		return nil
	}

	pieceBytes := make([]byte, 0, s.torrent.PieceLen(index))
	for _, b := range bufs {
		pieceBytes = append(pieceBytes, b...)
	}
	delete(s.buffered, index)
	expected := s.torrent.PieceHashes[index]
	got := sha1.Sum(pieceBytes)
	s.mu.Unlock()

	if !bytes.Equal(got[:], expected[:]) {
		s.mu.Lock()
		s.needPieces.Set(uint(index))
		s.needBlocks[index] = fullBlockSet(blocksPerPiece)
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warnw("piece hash mismatch, discarding buffer", "index", index)
		}
		return &Error{Kind: HashMismatch, Index: index}
	}

	at := int64(index) * s.torrent.PieceLength
	if _, err := s.file.WriteAt(pieceBytes, at); err != nil {
		return &Error{Kind: IO, Index: index, Wrapped: err}
	}

	s.mu.Lock()
	s.havePieces.Set(uint(index))
	s.needBlocks[index] = nil
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infow("piece verified", "index", index)
	}
	return nil
}

// Read returns length bytes from the assembled file starting at
// index*piece_length + begin (spec §4.5 read), used to serve outbound
// "piece" messages for non-choked peers.
func (s *Store) Read(index, begin, length int) ([]byte, error) {
	if index < 0 || index >= s.torrent.NumPieces() {
		return nil, &Error{Kind: OutOfRange, Index: index}
	}
	if begin < 0 || int64(begin)+int64(length) > s.torrent.PieceLen(index) {
		return nil, &Error{Kind: OutOfRange, Index: index}
	}
	at := int64(index)*s.torrent.PieceLength + int64(begin)
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, at)
	if err != nil && n != length {
		return nil, &Error{Kind: IO, Index: index, Wrapped: err}
	}
	s.uploaded.Add(int64(length))
	return buf, nil
}

// Resume scans the existing output file and marks any piece whose content
// already matches piece_hashes as have, clearing need (spec §4.5 resume).
func (s *Store) Resume() error {
	buf := make([]byte, s.torrent.PieceLength)
	for i := 0; i < s.torrent.NumPieces(); i++ {
		pl := int(s.torrent.PieceLen(i))
		at := int64(i) * s.torrent.PieceLength
		n, err := s.file.ReadAt(buf[:pl], at)
		if err != nil && n != pl {
			continue
		}
		got := sha1.Sum(buf[:pl])
		if bytes.Equal(got[:], s.torrent.PieceHashes[i][:]) {
			s.mu.Lock()
			s.havePieces.Set(uint(i))
			s.needPieces.Clear(uint(i))
			s.needBlocks[i] = nil
			s.mu.Unlock()
		}
	}
	return nil
}

// NeedPiecesSnapshot returns a clone of need_pieces for diagnostics/tests.
func (s *Store) NeedPiecesSnapshot() *bitset.BitSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needPieces.Clone()
}

// HavePiecesSnapshot returns a clone of have_pieces for diagnostics/tests.
func (s *Store) HavePiecesSnapshot() *bitset.BitSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.havePieces.Clone()
}

package peer

import (
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentcore/torrentcore/metainfo"
	"github.com/torrentcore/torrentcore/piecestore"
)

type noopEvents struct{ closed chan *Conn }

func (e *noopEvents) ConnClosed(c *Conn) {
	if e.closed != nil {
		e.closed <- c
	}
}

func newTestStore(t *testing.T, payload []byte) *piecestore.Store {
	t.Helper()
	h := sha1.Sum(payload)
	tor := &metainfo.Torrent{
		PieceLength: int64(len(payload)),
		TotalLength: int64(len(payload)),
		PieceHashes: [][20]byte{h},
	}
	s, err := piecestore.Open(tor, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestHandshakeScenario drives scenario 4 from spec.md: a mock peer
// completes the handshake and the Conn advances to Active, then sends a
// bitfield sized to num_pieces.
func TestHandshakeScenario(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	var infoHash, localID [20]byte
	copy(infoHash[:], "metadata for torrent")
	copy(localID[:], "localpeeridlocal0001")

	store := newTestStore(t, []byte("abcdefghijklmnop"))
	events := &noopEvents{closed: make(chan *Conn, 1)}

	type result struct {
		c   *Conn
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		c, err := handshakeAndWrap(clientConn, "mock:1", localID, infoHash, 1, store, clock.New(), nil, events)
		resultCh <- result{c, err}
	}()

	// Act as the remote peer: read the client's handshake, reply with our
	// own (different peer id, matching info_hash).
	got, err := ReadHandshake(remoteConn)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)

	var remoteID [20]byte
	copy(remoteID[:], "remotepeeridremote01")
	_, err = remoteConn.Write(Handshake{InfoHash: infoHash, PeerID: remoteID}.Serialize())
	require.NoError(t, err)

	res := <-resultCh
	require.NoError(t, res.err)
	c := res.c
	require.Equal(t, HandshakeRecv, c.State())
	require.Equal(t, remoteID, c.RemotePeerID())

	c.Start()
	defer c.Close()

	// Client should now send a bitfield of ceil(num_pieces/8) = 1 byte.
	msg, err := ReadMessage(remoteConn)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, BitfieldMsg, msg.ID)
	require.Len(t, msg.Payload, 1)
	require.Equal(t, Active, c.State())
}

func TestHandshakeMismatchClosesConn(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	var infoHash, wrongHash, localID [20]byte
	copy(infoHash[:], "metadata for torrent")
	copy(wrongHash[:], "some other info hash")
	copy(localID[:], "localpeeridlocal0001")

	store := newTestStore(t, []byte("abcdefghijklmnop"))

	resultCh := make(chan error, 1)
	go func() {
		_, err := handshakeAndWrap(clientConn, "mock:1", localID, infoHash, 1, store, clock.New(), nil, nil)
		resultCh <- err
	}()

	_, err := ReadHandshake(remoteConn)
	require.NoError(t, err)
	var remoteID [20]byte
	copy(remoteID[:], "remotepeeridremote01")
	_, err = remoteConn.Write(Handshake{InfoHash: wrongHash, PeerID: remoteID}.Serialize())
	require.NoError(t, err)

	err = <-resultCh
	require.Error(t, err)
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, HandshakeMismatch, pErr.Kind)
}

// TestTeardownRestoresReservations drives scenario 7: a Conn with pending
// requests is closed, and the piece store's need bits are restored.
func TestTeardownRestoresReservations(t *testing.T) {
	pieceLen := int64(2 * metainfo.BlockLength)
	hashes := make([][20]byte, 4)
	tor := &metainfo.Torrent{
		PieceLength: pieceLen,
		TotalLength: pieceLen * 4,
		PieceHashes: hashes,
	}
	store, err := piecestore.Open(tor, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)
	defer store.Close()

	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	var infoHash, localID [20]byte
	events := &noopEvents{closed: make(chan *Conn, 1)}

	resultCh := make(chan *Conn, 1)
	go func() {
		c, err := handshakeAndWrap(clientConn, "mock:1", localID, infoHash, 4, store, clock.New(), nil, events)
		require.NoError(t, err)
		resultCh <- c
	}()
	_, err = ReadHandshake(remoteConn)
	require.NoError(t, err)
	_, err = remoteConn.Write(Handshake{InfoHash: infoHash, PeerID: localID}.Serialize())
	require.NoError(t, err)
	c := <-resultCh

	c.mu.Lock()
	c.pending = []pendingReq{{index: 3, begin: 0, length: metainfo.BlockLength}, {index: 3, begin: metainfo.BlockLength, length: metainfo.BlockLength}}
	c.mu.Unlock()
	c.Start()

	go func() {
		// Drain whatever the client sends so writeLoop doesn't block
		// forever on the pipe.
		buf := make([]byte, 4096)
		for {
			if _, err := remoteConn.Read(buf); err != nil {
				return
			}
		}
	}()

	c.Close()

	select {
	case <-events.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnClosed event")
	}

	need := store.NeedPiecesSnapshot()
	require.True(t, need.Test(3))
}

// TestHandleRequestRejectsRangeSpillingPastPiece drives spec §4.4 step 7:
// a request whose begin+length exceeds the piece's own length must be
// rejected as BadRequest rather than served from whatever bytes happen to
// sit at that file offset (the store is one contiguous file, so without
// this check a spilling request would silently read into the next
// piece's on-disk bytes).
func TestHandleRequestRejectsRangeSpillingPastPiece(t *testing.T) {
	payload := []byte("abcdefghijklmnop") // two 8-byte pieces
	h0 := sha1.Sum(payload[0:8])
	h1 := sha1.Sum(payload[8:16])
	tor := &metainfo.Torrent{
		PieceLength: 8,
		TotalLength: 16,
		PieceHashes: [][20]byte{h0, h1},
	}
	store, err := piecestore.Open(tor, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.StoreBlock(0, 0, payload[0:8]))
	require.NoError(t, store.StoreBlock(1, 0, payload[8:16]))

	doneCh := make(chan struct{})
	close(doneCh)
	c := &Conn{numPieces: 2, store: store, doneCh: doneCh}

	err = c.handleRequest(FormatRequest(0, 4, 8).Payload)
	require.Error(t, err)
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	require.Equal(t, BadRequest, pErr.Kind)

	err = c.handleRequest(FormatRequest(0, 0, 8).Payload)
	require.NoError(t, err)
}

package swarm

import (
	"crypto/sha1"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentcore/torrentcore/metainfo"
	"github.com/torrentcore/torrentcore/peer"
	"github.com/torrentcore/torrentcore/piecestore"
	"github.com/torrentcore/torrentcore/tracker"
)

// fakePeerListener accepts one TCP connection and completes a PWP
// handshake, then holds the connection open without sending anything
// else.
func fakePeerListener(t *testing.T, infoHash [20]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		got, err := peer.ReadHandshake(nc)
		if err != nil || got.InfoHash != infoHash {
			nc.Close()
			return
		}
		var remoteID [20]byte
		copy(remoteID[:], "remotepeeridremote01")
		_, _ = nc.Write(peer.Handshake{InfoHash: infoHash, PeerID: remoteID}.Serialize())
		buf := make([]byte, 4096)
		for {
			if _, err := nc.Read(buf); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func newCompleteStore(t *testing.T) (*piecestore.Store, *metainfo.Torrent) {
	t.Helper()
	payload := []byte("abcdefghijklmnop")
	h := sha1.Sum(payload)
	tor := &metainfo.Torrent{
		PieceLength: int64(len(payload)),
		TotalLength: int64(len(payload)),
		PieceHashes: [][20]byte{h},
	}
	store, err := piecestore.Open(tor, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.StoreBlock(0, 0, payload))
	require.True(t, store.IsComplete())
	return store, tor
}

func TestSwarmExitsImmediatelyWhenStoreAlreadyComplete(t *testing.T) {
	store, tor := newCompleteStore(t)

	s := New(Config{
		Torrent: tor,
		Store:   store,
		Clock:   clock.New(),
	})

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit for an already-complete store")
	}
}

func TestSwarmAdmitsCandidateUpToMaxConns(t *testing.T) {
	payload := []byte("abcdefghijklmnop")
	h := sha1.Sum(payload)
	tor := &metainfo.Torrent{
		PieceLength: int64(len(payload)),
		TotalLength: int64(len(payload)),
		PieceHashes: [][20]byte{h},
	}
	store, err := piecestore.Open(tor, filepath.Join(t.TempDir(), "out"), nil)
	require.NoError(t, err)
	defer store.Close()

	var infoHash, localID [20]byte
	copy(infoHash[:], "metadata for torrent")

	addr := fakePeerListener(t, infoHash)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := New(Config{
		Torrent:     tor,
		Store:       store,
		LocalPeerID: localID,
		InfoHash:    infoHash,
		Clock:       clock.New(),
	})

	go s.Run()
	defer s.Stop()

	s.AddCandidates([]tracker.PeerAddr{{IP: net.ParseIP(host), Port: uint16(port)}})

	require.Eventually(t, func() bool {
		return s.ActivePeerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

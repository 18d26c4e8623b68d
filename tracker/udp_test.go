package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers every connect and announce request it receives,
// mirroring spec.md scenario 3.
func fakeUDPTracker(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		connID := uint64(0xC0FFEE)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:12])
			txID := binary.BigEndian.Uint32(pkt[12:16])
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				_, _ = pc.WriteTo(resp, addr)
			case actionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 3)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 5)   // seeders
				copy(resp[20:26], []byte{127, 0, 0, 1, 0x1A, 0xE1})
				_, _ = pc.WriteTo(resp, addr)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestUDPAnnounceConnectThenAnnounce(t *testing.T) {
	addr := fakeUDPTracker(t)
	c := &UDPClient{AnnounceURL: "udp://" + addr, Clock: clock.New(), Dial: net.Dial}

	var infoHash, peerID [20]byte
	resp, err := c.Announce(Request{InfoHash: infoHash, PeerID: peerID, Port: 6881, Event: EventStarted})
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Equal(t, 5, resp.Complete)
	require.Equal(t, 3, resp.Incomplete)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
	require.NotZero(t, c.connID)
}

func TestUDPAnnounceTimesOutWhenUnreachable(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close() // nothing listens now; writes succeed, but no reply ever arrives

	mock := clock.NewMock()
	c := &UDPClient{AnnounceURL: "udp://" + addr, Clock: mock, Dial: net.Dial}

	done := make(chan error, 1)
	go func() {
		_, err := c.Announce(Request{Port: 6881})
		done <- err
	}()

	// Advance the mock clock in 16s steps. roundTrip races each pending
	// conn.Read against c.Clock.After, so a step fires an attempt's
	// deadline only once the mock clock has passed it: the steps cover the
	// first 15s deadline, not the whole 15s*2^n series. Announce also
	// returns early when the read itself fails, so the test asserts only
	// that an error comes back.
	for i := 0; i <= udpMaxRetries+1; i++ {
		mock.Add(16 * time.Second)
	}

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("announce did not return")
	}
}

package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactPeers(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	peers, err := ParseCompactPeers(data)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, net.IPv4(127, 0, 0, 1).To4(), peers[0].IP.To4())
	assert.Equal(t, uint16(0x1AE1), peers[0].Port)
	assert.Equal(t, "10.0.0.2:6882", peers[1].String())
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := ParseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, BadResponse, tErr.Kind)
}

func TestEventUDPCode(t *testing.T) {
	assert.Equal(t, uint32(0), EventPeriodic.udpEventCode())
	assert.Equal(t, uint32(1), EventCompleted.udpEventCode())
	assert.Equal(t, uint32(2), EventStarted.udpEventCode())
	assert.Equal(t, uint32(3), EventStopped.udpEventCode())
}

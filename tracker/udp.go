package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/andres-erbsen/clock"
)

// udpProtocolID is the magic constant-id used on the first connect
// request (BEP 15).
const udpProtocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// connectionLifetime is how long a connection_id may be reused for
// announce requests before a fresh connect is required (BEP 15).
const connectionLifetime = 60 * time.Second

// udpMaxRetries bounds the 15*2^n backoff series (BEP 15: n up to 8).
const udpMaxRetries = 8

// UDPClient announces over the BEP 15 UDP tracker protocol.
type UDPClient struct {
	AnnounceURL string
	Clock       clock.Clock
	Dial        func(network, address string) (net.Conn, error)

	connID     uint64
	connIDAt   time.Time
}

// NewUDPClient builds a UDPClient with real sockets and a real clock.
func NewUDPClient(announceURL string) *UDPClient {
	return &UDPClient{
		AnnounceURL: announceURL,
		Clock:       clock.New(),
		Dial:        net.Dial,
	}
}

// Announce implements Client: it connects (if needed) and then announces,
// retrying each step per the 15*2^n backoff up to n=8 (spec §4.3).
func (c *UDPClient) Announce(req Request) (Response, error) {
	u, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "bad announce url", Wrapped: err}
	}

	conn, err := c.Dial("udp", u.Host)
	if err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "udp dial failed", Wrapped: err}
	}
	defer conn.Close()

	if c.connID == 0 || c.Clock.Now().Sub(c.connIDAt) >= connectionLifetime {
		id, err := c.connect(conn)
		if err != nil {
			return Response{}, err
		}
		c.connID = id
		c.connIDAt = c.Clock.Now()
	}

	return c.announce(conn, req)
}

func (c *UDPClient) connect(conn net.Conn) (uint64, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return 0, &Error{Kind: BadResponse, Detail: "generate transaction id", Wrapped: err}
	}

	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txID)

	resp, err := c.roundTrip(conn, packet, 16)
	if err != nil {
		return 0, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return 0, &Error{Kind: TransactionMismatch}
	}
	if action == actionError {
		return 0, &Error{Kind: UDPActionError, Detail: string(resp[8:])}
	}
	if action != actionConnect {
		return 0, &Error{Kind: BadResponse, Detail: "unexpected action in connect response"}
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *UDPClient) announce(conn net.Conn, req Request) (Response, error) {
	txID, err := randomTransactionID()
	if err != nil {
		return Response{}, &Error{Kind: BadResponse, Detail: "generate transaction id", Wrapped: err}
	}

	packet := make([]byte, 98)
	binary.BigEndian.PutUint64(packet[0:8], c.connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	copy(packet[16:36], req.InfoHash[:])
	copy(packet[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(packet[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(packet[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(packet[80:84], req.Event.udpEventCode())
	binary.BigEndian.PutUint32(packet[84:88], ipv4ToUint32(req.IP))
	binary.BigEndian.PutUint32(packet[88:92], req.Key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(packet[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(packet[96:98], req.Port)

	resp, err := c.roundTrip(conn, packet, 20)
	if err != nil {
		return Response{}, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != txID {
		return Response{}, &Error{Kind: TransactionMismatch}
	}
	if action == actionError {
		return Response{}, &Error{Kind: UDPActionError, Detail: string(resp[8:])}
	}
	if action != actionAnnounce {
		return Response{}, &Error{Kind: BadResponse, Detail: "unexpected action in announce response"}
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))
	peers, err := ParseCompactPeers(resp[20:])
	if err != nil {
		return Response{}, err
	}
	return Response{
		Interval:   interval,
		Complete:   seeders,
		Incomplete: leechers,
		Peers:      peers,
	}, nil
}

// udpReadResult carries a background conn.Read back to roundTrip so the
// retry deadline can be driven by c.Clock instead of conn.SetDeadline,
// which only ever understands real wall-clock time and ignores whatever
// clock produced it (see roundTrip).
type udpReadResult struct {
	buf []byte
	err error
}

// roundTrip sends packet and waits for a reply of at least minReplyLen
// bytes, retrying with the 15*2^n backoff series until udpMaxRetries is
// exceeded (spec §4.3, BEP 15). The per-attempt deadline is driven by
// c.Clock.After rather than conn.SetDeadline: net.Conn deadlines are
// always measured against the OS wall clock, so a mock clock.Clock
// passed in for tests would not actually govern them. Racing the read
// against c.Clock.After lets a mock clock deterministically fire the
// backoff without sleeping in real time; when roundTrip gives up, the
// caller's deferred conn.Close unblocks any still-pending read goroutine.
func (c *UDPClient) roundTrip(conn net.Conn, packet []byte, minReplyLen int) ([]byte, error) {
	for n := 0; n <= udpMaxRetries; n++ {
		timeout := 15 * time.Second * time.Duration(1<<uint(n))
		if _, err := conn.Write(packet); err != nil {
			return nil, &Error{Kind: BadResponse, Detail: "udp write failed", Wrapped: err}
		}

		resultCh := make(chan udpReadResult, 1)
		go func() {
			buf := make([]byte, 65507)
			nread, err := conn.Read(buf)
			resultCh <- udpReadResult{buf: buf[:nread], err: err}
		}()

		select {
		case res := <-resultCh:
			if res.err != nil {
				return nil, &Error{Kind: BadResponse, Detail: "udp read failed", Wrapped: res.err}
			}
			if len(res.buf) < minReplyLen {
				continue
			}
			return append([]byte(nil), res.buf...), nil
		case <-c.Clock.After(timeout):
			continue
		}
	}
	return nil, &Error{Kind: UDPTimeout}
}

func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ipv4ToUint32 packs a dotted-quad string into BEP 15's wire IP field; an
// empty or unparsable string means "let the tracker use the packet's
// source address", encoded as 0.
func ipv4ToUint32(ip string) uint32 {
	if ip == "" {
		return 0
	}
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return 0
	}
	return binary.BigEndian.Uint32(parsed)
}

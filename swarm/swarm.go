// Package swarm owns the bounded set of active peer connections and the
// candidate queue that feeds it, playing the role of the single-threaded
// cooperative readiness loop (spec §4.6) using Go's native concurrency:
// one owner goroutine holds all mutable swarm state, while each peer.Conn
// drives its own blocking I/O on its own goroutines and reports back over
// channels. The owner goroutine is the only thing that ever touches
// active_peers or candidate_peers, so it gets the single-writer semantics
// the original readiness-multiplexer design relied on without needing a
// hand-rolled epoll/kqueue loop.
package swarm

import (
	"net"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentcore/torrentcore/peer"
	"github.com/torrentcore/torrentcore/piecestore"
	"github.com/torrentcore/torrentcore/tracker"
)

// MaxConnections is the default cap on simultaneously active peers (spec
// §4.6 MAX_CONNECTIONS).
const MaxConnections = 4

// KeepAliveInterval and ReadTimeout implement spec §4.6's keep-alive rule:
// emit after 90s of silent writes, evict after 120s of silent reads.
const (
	KeepAliveInterval = 90 * time.Second
	ReadTimeout       = 120 * time.Second
	tickInterval      = 10 * time.Second
)

// NumPiecer is the slice of metainfo.Torrent a Swarm needs.
type NumPiecer interface {
	NumPieces() int
}

// Config bundles a Swarm's fixed parameters.
type Config struct {
	Torrent     NumPiecer
	Store       *piecestore.Store
	LocalPeerID [20]byte
	InfoHash    [20]byte
	MaxConns    int
	DialTimeout time.Duration
	Clock       clock.Clock
	Log         *zap.SugaredLogger
}

// Swarm is the owner goroutine's state. All fields other than the
// channels below are touched only from the Run goroutine.
type Swarm struct {
	cfg Config

	candidates []tracker.PeerAddr
	active     map[string]*peer.Conn
	dialing    map[string]struct{}

	newCandidatesCh chan []tracker.PeerAddr
	connClosedCh    chan *peer.Conn
	dialResultCh    chan dialResult
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// dialResult is how a background peer.Dial reports back to the owner
// goroutine, so Run never blocks inside admitFromCandidates (spec §4.6
// step 1's "initiate non-blocking connect").
type dialResult struct {
	addr string
	conn *peer.Conn
	err  error
}

// New constructs a Swarm. Call AddCandidates to seed peers (typically
// wired to a tracker.Loop's OnPeers callback) and Run to start the owner
// goroutine.
func New(cfg Config) *Swarm {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = MaxConnections
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Swarm{
		cfg:             cfg,
		active:          make(map[string]*peer.Conn),
		dialing:         make(map[string]struct{}),
		newCandidatesCh: make(chan []tracker.PeerAddr, 8),
		connClosedCh:    make(chan *peer.Conn, 32),
		dialResultCh:    make(chan dialResult, cfg.MaxConns),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// AddCandidates appends tracker-discovered peers to the candidate queue.
// Safe to call from any goroutine (spec §5's single synchronized
// tracker-loop -> swarm-loop handoff).
func (s *Swarm) AddCandidates(peers []tracker.PeerAddr) {
	select {
	case s.newCandidatesCh <- peers:
	case <-s.doneCh:
	}
}

// Stop requests the swarm loop exit; Run first sends not_interested and
// closes every active peer (spec §4.6 step 5's graceful shutdown path,
// also used for an external stop request).
func (s *Swarm) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// ConnClosed implements peer.Events: when a Conn tears down, its address
// is pushed back to the front of candidate_peers (spec §4.6 step 4).
func (s *Swarm) ConnClosed(c *peer.Conn) {
	select {
	case s.connClosedCh <- c:
	case <-s.doneCh:
	}
}

// Run is the owner loop (spec §4.6). It returns once the piece store is
// complete or Stop is called.
func (s *Swarm) Run() {
	defer close(s.doneCh)

	ticker := s.cfg.Clock.Ticker(tickInterval)
	defer ticker.Stop()

	for {
		s.admitFromCandidates()

		if s.cfg.Store.IsComplete() {
			s.shutdown()
			return
		}

		select {
		case <-s.stopCh:
			s.shutdown()
			return
		case peers := <-s.newCandidatesCh:
			s.candidates = append(s.candidates, peers...)
		case c := <-s.connClosedCh:
			s.handleClosed(c)
		case r := <-s.dialResultCh:
			s.handleDialResult(r)
		case <-ticker.C:
			s.sweepKeepAlive()
			if s.cfg.Store.IsComplete() {
				s.shutdown()
				return
			}
		}
	}
}

// admitFromCandidates starts a dial goroutine per admitted candidate and
// returns immediately; peer.Dial's blocking connect-and-handshake never
// runs on the owner goroutine (spec §4.6 step 1, spec §5's "no other
// operation may block" rule for the swarm loop).
func (s *Swarm) admitFromCandidates() {
	for len(s.active)+len(s.dialing) < s.cfg.MaxConns && len(s.candidates) > 0 {
		next := s.candidates[0]
		s.candidates = s.candidates[1:]
		addr := next.String()
		if _, ok := s.active[addr]; ok {
			continue
		}
		if _, ok := s.dialing[addr]; ok {
			continue
		}
		s.dialing[addr] = struct{}{}
		go s.dial(addr)
	}
}

func (s *Swarm) dial(addr string) {
	c, err := peer.Dial(addr, s.cfg.DialTimeout, s.cfg.LocalPeerID, s.cfg.InfoHash,
		s.cfg.Torrent.NumPieces(), s.cfg.Store, s.cfg.Clock, s.cfg.Log, s)
	select {
	case s.dialResultCh <- dialResult{addr: addr, conn: c, err: err}:
	case <-s.doneCh:
		if err == nil {
			c.Close()
		}
	}
}

func (s *Swarm) handleDialResult(r dialResult) {
	delete(s.dialing, r.addr)
	if r.err != nil {
		if s.cfg.Log != nil {
			s.cfg.Log.Debugw("dial failed, dropping candidate", "addr", r.addr, "err", r.err)
		}
		return
	}
	if _, ok := s.active[r.addr]; ok {
		r.conn.Close()
		return
	}
	s.active[r.addr] = r.conn
	r.conn.Start()
}

func (s *Swarm) handleClosed(c *peer.Conn) {
	addr := c.Addr()
	if _, ok := s.active[addr]; !ok {
		return
	}
	delete(s.active, addr)
	if pa, ok := parsePeerAddr(addr); ok {
		s.candidates = append([]tracker.PeerAddr{pa}, s.candidates...)
	}
}

func parsePeerAddr(addr string) (tracker.PeerAddr, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return tracker.PeerAddr{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return tracker.PeerAddr{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xFFFF {
		return tracker.PeerAddr{}, false
	}
	return tracker.PeerAddr{IP: ip, Port: uint16(port)}, true
}

func (s *Swarm) sweepKeepAlive() {
	now := s.cfg.Clock.Now()
	for addr, c := range s.active {
		if now.Sub(c.LastReadAt()) >= ReadTimeout {
			if s.cfg.Log != nil {
				s.cfg.Log.Infow("evicting idle peer", "addr", addr)
			}
			c.Close()
			continue
		}
		if now.Sub(c.LastWriteAt()) >= KeepAliveInterval {
			c.SendKeepAlive()
		}
	}
}

func (s *Swarm) shutdown() {
	for _, c := range s.active {
		c.SendNotInterested()
		c.Close()
	}
}

// ActivePeerCount reports the current number of active connections, for
// diagnostics.
func (s *Swarm) ActivePeerCount() int { return len(s.active) }

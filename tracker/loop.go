package tracker

import (
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// defaultInterval is used when an announce fails or the tracker returns no
// positive interval (spec §4.3).
const defaultInterval = 30 * time.Second

// Loop runs periodic announces against a Client, reading progress counters
// from and publishing discovered peers to a caller-supplied State, until
// Stop is called
// (spec §4.3 "periodic announce loop").
type Loop struct {
	client Client
	state  *State
	clk    clock.Clock
	log    *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}
}

// State supplies the live values an announce needs and receives the
// peers a successful announce returns. Loop calls Progress and OnPeers
// directly on its own goroutine and adds no locking of its own
// (spec §4.3, §5).
type State struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16

	Progress func() (uploaded, downloaded, left int64)
	OnPeers  func(event Event, peers []PeerAddr)
}

// NewLoop constructs a Loop. log may be nil.
func NewLoop(client Client, state *State, clk clock.Clock, log *zap.SugaredLogger) *Loop {
	return &Loop{
		client: client,
		state:  state,
		clk:    clk,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run performs the "started" announce, then re-announces at the
// tracker's requested interval until Stop is called, at which point it
// performs a final "stopped" announce (best-effort) before returning
// (spec §4.3).
func (l *Loop) Run() {
	defer close(l.doneCh)

	interval := l.announce(EventStarted)
	for {
		select {
		case <-l.stopCh:
			l.announce(EventStopped)
			return
		case <-l.clk.After(interval):
			interval = l.announce(EventPeriodic)
		}
	}
}

// Stop requests the loop exit and blocks until it has sent the final
// "stopped" announce.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) announce(event Event) time.Duration {
	uploaded, downloaded, left := l.state.Progress()
	req := Request{
		InfoHash:   l.state.InfoHash,
		PeerID:     l.state.PeerID,
		Port:       l.state.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    50,
	}

	resp, err := l.client.Announce(req)
	if err != nil {
		if l.log != nil {
			l.log.Warnw("announce failed", "event", event.String(), "err", err)
		}
		return defaultInterval
	}

	if l.log != nil {
		l.log.Infow("announce ok", "event", event.String(), "peers", len(resp.Peers), "interval", resp.Interval)
	}
	if l.state.OnPeers != nil && event != EventStopped {
		l.state.OnPeers(event, resp.Peers)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	return interval
}

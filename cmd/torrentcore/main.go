// Command torrentcore leeches (and seeds) a single-file torrent to disk
// (spec §6 CLI surface).
package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"

	"github.com/alecthomas/kingpin/v2"
	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/torrentcore/torrentcore/internal/idgen"
	"github.com/torrentcore/torrentcore/metainfo"
	"github.com/torrentcore/torrentcore/piecestore"
	"github.com/torrentcore/torrentcore/swarm"
	"github.com/torrentcore/torrentcore/tracker"
)

var (
	app = kingpin.New("torrentcore", "A minimal BitTorrent v1 leech/seed client.")

	torrentPath = app.Arg("torrent-path", "path to the .torrent file").Required().String()
	listenPort  = app.Flag("listen-port", "TCP port to advertise to the tracker").Default("0").Uint16()
	maxConns    = app.Flag("max-connections", "maximum simultaneous peer connections").Default("4").Int()
	outputPath  = app.Flag("output", "output file path (default: info.name)").String()
	verbose     = app.Flag("verbose", "enable debug logging").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := newLogger(*verbose)
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("fatal error", "err", err)
		os.Exit(exitCodeFor(err))
	}
}

func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// exitCodeFor maps a fatal error to spec §6's exit code convention: 1 for
// unrecoverable errors (bad torrent, tracker denial, file I/O), 2 for user
// interrupt. run() never itself returns an interrupt-shaped error outside
// of the os.Interrupt path, so 1 is the default.
func exitCodeFor(err error) int {
	if errors.Is(err, errInterrupted) {
		return 2
	}
	return 1
}

var errInterrupted = fmt.Errorf("interrupted")

func run(log *zap.SugaredLogger) error {
	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	tor, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent: %w", err)
	}

	out := *outputPath
	if out == "" {
		out = tor.Name
	}

	store, err := piecestore.Open(tor, out, log)
	if err != nil {
		return fmt.Errorf("open piece store: %w", err)
	}
	defer store.Close()
	if err := store.Resume(); err != nil {
		return fmt.Errorf("resume piece store: %w", err)
	}

	peerID, err := idgen.New()
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	port := *listenPort
	if port == 0 {
		port = uint16(10000 + rand.Intn(10000))
	}

	sw := swarm.New(swarm.Config{
		Torrent:     tor,
		Store:       store,
		LocalPeerID: peerID,
		InfoHash:    tor.InfoHash,
		MaxConns:    *maxConns,
		Clock:       clock.New(),
		Log:         log,
	})

	trackerClient, err := newTrackerClient(tor.AnnounceURL)
	if err != nil {
		return err
	}

	loopState := &tracker.State{
		InfoHash: tor.InfoHash,
		PeerID:   peerID,
		Port:     port,
		Progress: func() (uploaded, downloaded, left int64) {
			return store.Uploaded(), store.Downloaded(), tor.TotalLength - store.Downloaded()
		},
		OnPeers: func(event tracker.Event, peers []tracker.PeerAddr) {
			sw.AddCandidates(peers)
		},
	}
	trackerLoop := tracker.NewLoop(trackerClient, loopState, clock.New(), log)

	go trackerLoop.Run()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	swarmDone := make(chan struct{})
	go func() {
		sw.Run()
		close(swarmDone)
	}()

	select {
	case <-swarmDone:
	case <-interrupted:
		sw.Stop()
		trackerLoop.Stop()
		return errInterrupted
	}

	trackerLoop.Stop()
	log.Infow("download complete", "path", out)
	return nil
}

// newTrackerClient picks the HTTP or UDP tracker implementation based on
// the announce URL scheme (spec §4.3: both are the same Client contract).
func newTrackerClient(announceURL string) (tracker.Client, error) {
	switch {
	case hasScheme(announceURL, "http"), hasScheme(announceURL, "https"):
		return tracker.NewHTTPClient(announceURL), nil
	case hasScheme(announceURL, "udp"):
		return tracker.NewUDPClient(announceURL), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme in announce url %q", announceURL)
	}
}

func hasScheme(u, scheme string) bool {
	return len(u) > len(scheme)+2 && u[:len(scheme)+3] == scheme+"://"
}

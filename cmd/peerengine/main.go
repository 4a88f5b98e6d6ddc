// Command peerengine is a minimal demo entrypoint: load one torrent,
// resume/scan its pieces, join the swarm, and run until interrupted.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/talhaorak/peerengine/engineconfig"
	"github.com/talhaorak/peerengine/enginelog"
	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/peerstore"
	"github.com/talhaorak/peerengine/pieces"
	"github.com/talhaorak/peerengine/piecemap"
	"github.com/talhaorak/peerengine/queue"
	"github.com/talhaorak/peerengine/runtime"
	"github.com/talhaorak/peerengine/trackerclient"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	flag.Parse()

	if *torrentPath == "" {
		println("usage: peerengine -torrent <file.torrent>")
		os.Exit(2)
	}

	cfg := engineconfig.Load()

	if err := os.MkdirAll(cfg.DownloadRoot, 0o755); err != nil {
		println("creating download root: " + err.Error())
		os.Exit(1)
	}

	log, err := enginelog.New("peerengine.log")
	if err != nil {
		println("opening log file: " + err.Error())
		os.Exit(1)
	}
	defer log.Close()

	log.Info().Msg("peerengine starting")

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		log.Fatal().Err(err).Msg("reading torrent file")
	}

	meta, err := metainfo.Parse(data)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing torrent file")
	}

	pm, err := piecemap.Build(meta)
	if err != nil {
		log.Fatal().Err(err).Msg("building piece map")
	}

	mgr, err := pieces.Load(meta, pm, cfg.DownloadRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("scanning existing pieces")
	}
	defer mgr.Close()

	total := mgr.TotalPieces()
	missing := len(mgr.NextMissing())
	log.Info().
		Int("have", total-missing).
		Int("total", total).
		Msg("resume scan complete")

	var store *peerstore.Store
	if s, err := peerstore.Open(cfg.DBPath); err != nil {
		log.Warn().Err(err).Msg("peer cache unavailable, continuing without it")
	} else {
		store = s
		defer store.Close()
	}

	trackerURL := meta.TrackerURL
	if cfg.TrackerURLOverride != "" {
		trackerURL = cfg.TrackerURLOverride
	}
	if !strings.HasSuffix(trackerURL, "/") {
		trackerURL += "/"
	}
	tracker := trackerclient.New(trackerURL)

	q := queue.New(cfg.UnchokeCapacity)

	rt, err := runtime.New(meta, mgr, q, tracker, store, runtime.Options{
		ListenIP:            cfg.ListenIP,
		ListenPort:          cfg.ListenPort,
		ReadTimeout:         time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		AnnounceMinInterval: time.Duration(cfg.AnnounceMinIntervalSeconds) * time.Second,
		UnchokeCapacity:     cfg.UnchokeCapacity,
		SessionJoinTimeout:  time.Second,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("constructing runtime")
	}

	if err := rt.Start(); err != nil {
		log.Fatal().Err(err).Msg("starting runtime")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	rt.Stop()
}

// Package runtime wires one torrent's Metainfo, PieceManager, and
// DownloadQueue into a running peer: a tracker announce loop, a TCP
// listener accepting inbound sessions, and a dialer opening outbound
// sessions to announced peers.
package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/peerstore"
	"github.com/talhaorak/peerengine/pieces"
	"github.com/talhaorak/peerengine/queue"
	"github.com/talhaorak/peerengine/session"
	"github.com/talhaorak/peerengine/trackerclient"
)

// Options configures a Runtime.
type Options struct {
	ListenIP            string
	ListenPort          int
	ReadTimeout         time.Duration
	AnnounceMinInterval time.Duration
	UnchokeCapacity     int
	SessionJoinTimeout  time.Duration // bounded wait on shutdown
}

// Runtime drives one torrent's swarm participation end to end.
type Runtime struct {
	meta    *metainfo.Metainfo
	pm      *pieces.Manager
	q       *queue.Queue
	tracker *trackerclient.Client
	store   *peerstore.Store // optional, nil disables peer caching

	selfPeerIDBytes [20]byte
	selfPeerIDHex   string
	opts            Options
	log             zerolog.Logger

	mu        sync.Mutex
	sessions  map[queue.PeerID]*session.Session
	connected map[string]struct{} // "ip:port" already dialed or accepted

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Runtime for one torrent. store may be nil to disable
// peer caching.
func New(meta *metainfo.Metainfo, pm *pieces.Manager, q *queue.Queue, tracker *trackerclient.Client, store *peerstore.Store, opts Options, log zerolog.Logger) (*Runtime, error) {
	peerID, err := generatePeerID()
	if err != nil {
		return nil, fmt.Errorf("runtime: generating peer id: %w", err)
	}

	return &Runtime{
		meta:            meta,
		pm:              pm,
		q:               q,
		tracker:         tracker,
		store:           store,
		selfPeerIDBytes: peerID,
		selfPeerIDHex:   hex.EncodeToString(peerID[:]),
		opts:            opts,
		log:             log,
		sessions:        make(map[queue.PeerID]*session.Session),
		connected:       make(map[string]struct{}),
		stopCh:          make(chan struct{}),
	}, nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	_, err := rand.Read(id[:])
	return id, err
}

// Start launches the listener and announce loop as background goroutines,
// and dials any peers cached in the peer store for this torrent.
func (r *Runtime) Start() error {
	addr := fmt.Sprintf("%s:%d", r.opts.ListenIP, r.opts.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("runtime: listening on %s: %w", addr, err)
	}
	r.listener = ln

	r.wg.Add(2)
	go r.acceptLoop()
	go r.announceLoop()

	if r.store != nil {
		cached, err := r.store.ListByInfoHash(hex.EncodeToString(r.meta.InfoHash[:]))
		if err != nil {
			r.log.Debug().Err(err).Msg("peerstore lookup failed")
		}
		for _, p := range cached {
			r.Dial(p.IP, p.Port)
		}
	}

	r.log.Info().Str("addr", addr).Msg("runtime started")
	return nil
}

// Stop signals every loop and session to exit, closes the listener, and
// waits up to opts.SessionJoinTimeout for everything to drain.
func (r *Runtime) Stop() {
	close(r.stopCh)
	if r.listener != nil {
		r.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := r.opts.SessionJoinTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warn().Msg("shutdown timed out waiting for sessions to drain")
	}

	r.logSummaries()
}

func (r *Runtime) logSummaries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		r.log.Info().
			Str("peer", string(id)).
			Uint64("bytes_up", s.Stats.BytesUp).
			Uint64("bytes_down", s.Stats.BytesDown).
			Int("pieces_served", s.Stats.PiecesServed).
			Msg("session summary")
	}
}

func (r *Runtime) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				r.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}

		select {
		case <-r.stopCh:
			conn.Close()
			return
		default:
		}

		r.wg.Add(1)
		go r.serveIncoming(conn)
	}
}

func (r *Runtime) serveIncoming(conn net.Conn) {
	defer r.wg.Done()
	r.runSession(conn, false)
}

// Dial opens an outbound session to peer "ip:port", unless it is our
// own listen address or already connected.
func (r *Runtime) Dial(ip string, port int) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	if r.isSelf(ip, port) {
		return
	}

	r.mu.Lock()
	if _, already := r.connected[addr]; already {
		r.mu.Unlock()
		return
	}
	r.connected[addr] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			r.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
			r.mu.Lock()
			delete(r.connected, addr)
			r.mu.Unlock()
			return
		}
		r.runSession(conn, true)
	}()
}

func (r *Runtime) isSelf(ip string, port int) bool {
	return port == r.opts.ListenPort && (ip == r.opts.ListenIP || ip == "127.0.0.1" || ip == "localhost")
}

func (r *Runtime) runSession(conn net.Conn, initiator bool) {
	s := session.New(conn, r.meta, r.pm, r.q, r, r.selfPeerIDBytes, r.opts.ReadTimeout, r.log)

	if err := s.Handshake(initiator); err != nil {
		r.log.Warn().Err(err).Msg("handshake failed, dropping connection")
		conn.Close()
		return
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.sessions, s.ID())
		delete(r.connected, string(s.ID()))
		r.mu.Unlock()
		conn.Close()
	}()

	if err := s.Run(r.stopCh); err != nil {
		r.log.Debug().Err(err).Str("peer", string(s.ID())).Msg("session ended")
	}
}

// BroadcastHave implements session.Broadcaster: gossip a newly completed
// piece to every other active session.
func (r *Runtime) BroadcastHave(index int, except queue.PeerID) {
	r.mu.Lock()
	targets := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == except {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.SendHave(index); err != nil {
			r.log.Debug().Err(err).Str("peer", string(s.ID())).Msg("gossip have failed")
		}
	}
}

func (r *Runtime) announceLoop() {
	defer r.wg.Done()

	interval := r.opts.AnnounceMinInterval
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		resp, err := r.tracker.Announce(trackerclient.AnnounceRequest{
			InfoHash: r.meta.InfoHash,
			PeerID:   r.selfPeerIDHex,
			IP:       r.opts.ListenIP,
			Port:     r.opts.ListenPort,
			IsSeeder: len(r.pm.NextMissing()) == 0,
		})
		if err != nil {
			r.log.Warn().Err(err).Msg("tracker announce failed, retrying next interval")
		} else {
			for _, p := range resp.Peers {
				r.Dial(p.IP, p.Port)
			}
			if r.store != nil {
				now := time.Now()
				infoHashHex := hex.EncodeToString(r.meta.InfoHash[:])
				for _, p := range resp.Peers {
					if err := r.store.Upsert(infoHashHex, p.PeerID, p.IP, p.Port, p.IsSeeder, now); err != nil {
						r.log.Debug().Err(err).Msg("peerstore upsert failed")
					}
				}
			}
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
		}

		if interval < r.opts.AnnounceMinInterval {
			interval = r.opts.AnnounceMinInterval
		}

		select {
		case <-r.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

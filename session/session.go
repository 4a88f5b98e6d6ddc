// Package session implements the per-connection BitTorrent peer state
// machine: handshake, interest/choke negotiation, and the request/piece
// exchange loop, running against a shared PieceManager and DownloadQueue.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/peererr"
	"github.com/talhaorak/peerengine/pieces"
	"github.com/talhaorak/peerengine/queue"
	"github.com/talhaorak/peerengine/wire"
)

// State is the per-connection lifecycle state.
type State int

const (
	AwaitHandshake State = iota
	Established
	Closed
)

const maxUnchokeRetries = 5

// Broadcaster lets a session gossip a newly completed piece to every
// other session of the same torrent.
type Broadcaster interface {
	BroadcastHave(index int, except queue.PeerID)
}

// Stats accumulates the byte/piece counters the runtime logs per peer
// on shutdown.
type Stats struct {
	BytesUp      uint64
	BytesDown    uint64
	PiecesServed int
}

// Session runs the state machine for one TCP connection, incoming or
// outgoing.
type Session struct {
	conn        net.Conn
	id          queue.PeerID
	corrID      string
	meta        *metainfo.Metainfo
	pm          *pieces.Manager
	q           *queue.Queue
	broadcaster Broadcaster
	selfPeerID  [20]byte
	readTimeout time.Duration
	log         zerolog.Logger

	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   wire.Bitfield
	remotePeerID   [20]byte

	chokeRetries   int
	pendingRequest int // piece index of our one in-flight request, or -1

	Stats Stats
}

// New wraps an already-established TCP connection. Call Handshake before
// Run.
func New(conn net.Conn, meta *metainfo.Metainfo, pm *pieces.Manager, q *queue.Queue, b Broadcaster, selfPeerID [20]byte, readTimeout time.Duration, log zerolog.Logger) *Session {
	id := queue.PeerID(conn.RemoteAddr().String())
	corrID := uuid.NewString()
	return &Session{
		conn:           conn,
		id:             id,
		corrID:         corrID,
		meta:           meta,
		pm:             pm,
		q:              q,
		broadcaster:    b,
		selfPeerID:     selfPeerID,
		readTimeout:    readTimeout,
		log:            log.With().Str("peer", string(id)).Str("session", corrID).Logger(),
		state:          AwaitHandshake,
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		pendingRequest: -1,
	}
}

// ID returns the opaque peer handle used as this session's queue.PeerID.
func (s *Session) ID() queue.PeerID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Handshake performs the AwaitHandshake transition. When
// initiator is true we write our handshake before reading the peer's
// (outgoing connection); otherwise we read first (accepted connection).
// On success it also sends our bitfield and transitions to Established.
func (s *Session) Handshake(initiator bool) error {
	ours := wire.NewHandshake(s.meta.InfoHash, s.selfPeerID)

	if initiator {
		if _, err := s.conn.Write(ours.Serialize()); err != nil {
			s.state = Closed
			return fmt.Errorf("session: writing handshake: %w", err)
		}
	}

	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	theirs, err := wire.ReadHandshake(s.conn)
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.state = Closed
		return fmt.Errorf("session: reading handshake: %w", err)
	}
	if theirs.InfoHash != s.meta.InfoHash {
		s.state = Closed
		return fmt.Errorf("%w: info hash mismatch", peererr.ErrHandshakeRejected)
	}
	s.remotePeerID = theirs.PeerID

	if !initiator {
		if _, err := s.conn.Write(ours.Serialize()); err != nil {
			s.state = Closed
			return fmt.Errorf("session: writing handshake reply: %w", err)
		}
	}

	bfMsg := &wire.Message{ID: wire.BitfieldMsg, Payload: s.pm.GetBitfield()}
	if _, err := s.conn.Write(bfMsg.Serialize()); err != nil {
		s.state = Closed
		return fmt.Errorf("session: sending bitfield: %w", err)
	}

	s.state = Established
	s.log.Info().Msg("handshake established")
	return nil
}

// Run drives the Established-state message loop until the connection
// closes, the caller's stopCh fires, or both our bitfield and the peer's
// are complete (see mutualCompletion). It always purges this session's
// DownloadQueue entries on return.
func (s *Session) Run(stopCh <-chan struct{}) error {
	defer s.q.OnDisconnect(s.id)
	defer func() { s.state = Closed }()

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		if s.mutualCompletion() && s.pendingRequest == -1 {
			s.log.Info().Msg("both sides complete, closing session gracefully")
			return nil
		}

		s.maybeSendRequest()

		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// One retry per idle readTimeout interval, not per
				// message: a choking peer that still sends keep-alives
				// or have's shouldn't exhaust the retry budget early.
				if s.amInterested && s.peerChoking {
					s.chokeRetries++
					if s.chokeRetries > maxUnchokeRetries {
						s.log.Warn().Msg("abandoning peer after repeated choke")
						return nil
					}
				}
				continue // loop top re-checks stopCh/completion
			}
			return err // peer_closed or io_error: drop the session
		}

		closeConn, err := s.handleMessage(msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed message, dropping session")
			return err
		}
		if closeConn {
			return nil
		}
	}
}

func (s *Session) bitfieldComplete() bool {
	return len(s.pm.NextMissing()) == 0
}

// mutualCompletion reports whether we are complete AND the peer's last
// known bitfield is also complete, i.e. neither side has anything left
// to exchange over this connection. Closing only on this condition (and
// not merely on our own completion) keeps a seeder's sessions open so it
// can continue serving peers that are still downloading.
func (s *Session) mutualCompletion() bool {
	if !s.bitfieldComplete() || s.peerBitfield == nil {
		return false
	}
	for i := 0; i < s.pm.TotalPieces(); i++ {
		if !s.peerBitfield.HasPiece(i) {
			return false
		}
	}
	return true
}

// maybeSendRequest sends at most one outstanding request at a time
// (max_inflight_per_peer default 1): the full piece is requested as one
// block (a block and a piece coincide here).
func (s *Session) maybeSendRequest() {
	if s.peerChoking || s.pendingRequest != -1 {
		return
	}

	candidate, ok := s.nextCandidate()
	if !ok {
		return
	}

	length := uint32(s.pm.PieceLength(candidate))
	req := &wire.Message{ID: wire.Request, Payload: wire.FormatRequest(uint32(candidate), 0, length)}
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return
	}
	s.pendingRequest = candidate
	s.q.AddRequest(s.id, candidate, 0, false)
}

// nextCandidate picks the first missing piece the peer is known to have
// (first-missing-piece policy; rarest-first is a permitted upgrade that
// preserves every invariant here).
func (s *Session) nextCandidate() (int, bool) {
	if s.peerBitfield == nil {
		return 0, false
	}
	for _, idx := range s.pm.NextMissing() {
		if s.peerBitfield.HasPiece(idx) {
			return idx, true
		}
	}
	return 0, false
}

func (s *Session) handleMessage(msg *wire.Message) (closeSession bool, err error) {
	switch msg.ID {
	case wire.KeepAlive:
		s.log.Trace().Msg("keep-alive")

	case wire.BitfieldMsg:
		if s.peerBitfield != nil {
			s.log.Warn().Msg("received bitfield after first message, ignoring")
			return false, nil
		}
		s.peerBitfield = append(wire.Bitfield(nil), msg.Payload...)
		s.q.UpdateBitfield(s.id, s.peerBitfield)
		s.evaluateInterest()

	case wire.Have:
		index, perr := wire.ParseHave(msg.Payload)
		if perr != nil {
			return false, perr
		}
		if s.peerBitfield == nil {
			s.peerBitfield = make(wire.Bitfield, (s.pm.TotalPieces()+7)/8)
		}
		s.peerBitfield.SetPiece(int(index))
		s.q.UpdateBitfield(s.id, s.peerBitfield)
		s.evaluateInterest()

	case wire.Interested:
		s.peerInterested = true
		s.q.AddInterested(s.id)
		if s.q.TryUnchoke(s.id) {
			s.amChoking = false
			if err := s.send(&wire.Message{ID: wire.Unchoke}); err != nil {
				return false, err
			}
		}

	case wire.NotInterested:
		s.peerInterested = false
		s.q.RemoveInterested(s.id)
		s.q.Choke(s.id)
		s.amChoking = true

	case wire.Choke:
		s.peerChoking = true

	case wire.Unchoke:
		s.peerChoking = false
		s.chokeRetries = 0

	case wire.Request:
		return false, s.handleRequest(msg)

	case wire.Piece:
		return false, s.handlePiece(msg)

	case wire.Cancel:
		// We serve requests synchronously (no server-side pending-serve
		// queue), so there is nothing in flight to cancel; this purely
		// clears our own bookkeeping if we happen to be both requester
		// and target in a test harness.
		index, begin, _, perr := wire.ParseRequest(msg.Payload)
		if perr == nil {
			s.q.Cancel(s.id, int(index), begin)
		}

	case wire.Port:
		s.log.Trace().Msg("received port, ignoring (no DHT)")

	case wire.DontHave:
		if s.pendingRequest != -1 {
			s.q.Cancel(s.id, s.pendingRequest, 0)
			s.pendingRequest = -1
		}

	default:
		return false, fmt.Errorf("%w: unhandled id %d", peererr.ErrMalformedMessage, msg.ID)
	}

	return false, nil
}

func (s *Session) handleRequest(msg *wire.Message) error {
	index, begin, length, err := wire.ParseRequest(msg.Payload)
	if err != nil {
		return err
	}

	if s.amChoking {
		return nil // honor nothing while choking
	}

	data, err := s.pm.GetPiece(int(index))
	if err != nil {
		return s.send(&wire.Message{ID: wire.DontHave})
	}

	end := begin + length
	if end > uint32(len(data)) {
		return s.send(&wire.Message{ID: wire.DontHave})
	}

	block := data[begin:end]
	s.Stats.BytesUp += uint64(len(block))
	s.Stats.PiecesServed++
	return s.send(&wire.Message{ID: wire.Piece, Payload: wire.FormatPiece(index, begin, block)})
}

func (s *Session) handlePiece(msg *wire.Message) error {
	index, begin, data, err := wire.ParsePiece(msg.Payload)
	if err != nil {
		return err
	}

	if int(index) != s.pendingRequest {
		s.log.Warn().Int("index", int(index)).Msg("received piece for unexpected index, ignoring")
		return nil
	}

	saveErr := s.pm.SavePiece(int(index), data)
	s.pendingRequest = -1

	if saveErr != nil {
		s.log.Warn().Err(saveErr).Int("index", int(index)).Msg("piece failed verification, will retry")
		s.q.Cancel(s.id, int(index), begin)
		return nil
	}

	s.Stats.BytesDown += uint64(len(data))
	s.q.MarkCompleted(s.id, int(index), begin)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastHave(int(index), s.id)
	}
	s.log.Info().Int("index", int(index)).Msg("piece completed")
	return nil
}

// evaluateInterest sets am_interested / sends interested the first time
// the peer is known to have something we lack.
func (s *Session) evaluateInterest() {
	_, hasWanted := s.nextCandidate()
	if hasWanted && !s.amInterested {
		s.amInterested = true
		s.send(&wire.Message{ID: wire.Interested})
	}
}

func (s *Session) send(m *wire.Message) error {
	_, err := s.conn.Write(m.Serialize())
	return err
}

// SendHave pushes a have message to this session's peer; used by the
// runtime's Broadcaster implementation for gossip.
func (s *Session) SendHave(index int) error {
	return s.send(&wire.Message{ID: wire.Have, Payload: wire.FormatHave(uint32(index))})
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

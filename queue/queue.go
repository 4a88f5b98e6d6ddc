// Package queue implements the per-swarm shared scheduling state: peer
// bitfields, outstanding block requests, choke/unchoke sets. One Queue is
// shared by reference across every session of a torrent; every exported
// method is a single critical section that never performs I/O.
package queue

import (
	"sync"

	"github.com/talhaorak/peerengine/wire"
)

// PeerID identifies a peer by an opaque handle (its remote socket
// address string), not by an owning reference. The queue never holds a
// session or connection, only ids, so on_disconnect is a pure id-driven
// operation.
type PeerID string

type blockKey struct {
	index int
	begin uint32
}

// Queue is the swarm-wide download queue, guarded by a single mutex.
type Queue struct {
	capacity int

	mu              sync.Mutex
	peerBitfields   map[PeerID]wire.Bitfield
	outstanding     map[blockKey]PeerID
	perPeerRequests map[PeerID]map[blockKey]struct{}
	interestedPeers map[PeerID]struct{}
	chokedPeers     map[PeerID]struct{}
	unchokedPeers   map[PeerID]struct{}
}

// New returns an empty Queue with the given unchoke capacity
// (|unchoked_peers| <= capacity at all times).
func New(capacity int) *Queue {
	return &Queue{
		capacity:        capacity,
		peerBitfields:   make(map[PeerID]wire.Bitfield),
		outstanding:     make(map[blockKey]PeerID),
		perPeerRequests: make(map[PeerID]map[blockKey]struct{}),
		interestedPeers: make(map[PeerID]struct{}),
		chokedPeers:     make(map[PeerID]struct{}),
		unchokedPeers:   make(map[PeerID]struct{}),
	}
}

// UpdateBitfield replaces the stored bitfield for peer.
func (q *Queue) UpdateBitfield(peer PeerID, bf wire.Bitfield) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peerBitfields[peer] = bf
}

// PeerBitfield returns the last known bitfield for peer, or nil if none
// has been recorded yet.
func (q *Queue) PeerBitfield(peer PeerID) wire.Bitfield {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peerBitfields[peer]
}

// AddInterested marks peer as interested in our pieces.
func (q *Queue) AddInterested(peer PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.interestedPeers[peer] = struct{}{}
}

// RemoveInterested marks peer as no longer interested.
func (q *Queue) RemoveInterested(peer PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.interestedPeers, peer)
}

// TryUnchoke unchokes peer iff |unchoked| < capacity and peer is
// interested. Returns true iff peer is unchoked on return, including when
// it was already unchoked before the call.
func (q *Queue) TryUnchoke(peer PeerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, already := q.unchokedPeers[peer]; already {
		return true
	}
	if _, interested := q.interestedPeers[peer]; !interested {
		return false
	}
	if len(q.unchokedPeers) >= q.capacity {
		return false
	}

	q.unchokedPeers[peer] = struct{}{}
	delete(q.chokedPeers, peer)
	return true
}

// Choke moves peer from unchoked to choked.
func (q *Queue) Choke(peer PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.unchokedPeers, peer)
	q.chokedPeers[peer] = struct{}{}
}

// IsUnchoked reports whether peer is currently unchoked.
func (q *Queue) IsUnchoked(peer PeerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.unchokedPeers[peer]
	return ok
}

// AddRequest accepts a new outstanding (index,begin) request for peer iff
// peer is unchoked and (index,begin) is not already outstanding.
// localHasPiece reports whether the caller's own PieceManager already has
// index; a piece we already have is never (re)requested.
func (q *Queue) AddRequest(peer PeerID, index int, begin uint32, localHasPiece bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if localHasPiece {
		return false
	}
	if _, unchoked := q.unchokedPeers[peer]; !unchoked {
		return false
	}

	key := blockKey{index, begin}
	if _, taken := q.outstanding[key]; taken {
		return false
	}

	q.outstanding[key] = peer
	if q.perPeerRequests[peer] == nil {
		q.perPeerRequests[peer] = make(map[blockKey]struct{})
	}
	q.perPeerRequests[peer][key] = struct{}{}
	return true
}

// MarkCompleted removes the outstanding entry for (index,begin) iff its
// owner is peer.
func (q *Queue) MarkCompleted(peer PeerID, index int, begin uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeOwnedLocked(peer, index, begin)
}

// Cancel removes an outstanding (index,begin) entry peer owns, symmetric
// to AddRequest.
func (q *Queue) Cancel(peer PeerID, index int, begin uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeOwnedLocked(peer, index, begin)
}

func (q *Queue) removeOwnedLocked(peer PeerID, index int, begin uint32) {
	key := blockKey{index, begin}
	if owner, ok := q.outstanding[key]; !ok || owner != peer {
		return
	}
	delete(q.outstanding, key)
	if reqs := q.perPeerRequests[peer]; reqs != nil {
		delete(reqs, key)
	}
}

// Outstanding reports the current owner of (index,begin), if any.
func (q *Queue) Outstanding(index int, begin uint32) (PeerID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	owner, ok := q.outstanding[blockKey{index, begin}]
	return owner, ok
}

// UnchokedCount returns |unchoked_peers|.
func (q *Queue) UnchokedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unchokedPeers)
}

// OnDisconnect drops all outstanding requests owned by peer (making them
// reassignable) and removes peer from every set/map.
func (q *Queue) OnDisconnect(peer PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key := range q.perPeerRequests[peer] {
		if q.outstanding[key] == peer {
			delete(q.outstanding, key)
		}
	}
	delete(q.perPeerRequests, peer)
	delete(q.interestedPeers, peer)
	delete(q.chokedPeers, peer)
	delete(q.unchokedPeers, peer)
	delete(q.peerBitfields, peer)
}

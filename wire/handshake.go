package wire

import (
	"fmt"
	"io"

	"github.com/talhaorak/peerengine/peererr"
)

// ProtocolIdentifier is the fixed protocol string in every handshake.
const ProtocolIdentifier = "BitTorrent protocol"

// handshakeLen is 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const handshakeLen = 1 + len(ProtocolIdentifier) + 8 + 20 + 20

// Handshake is the fixed 68-byte opening exchange.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake with reserved bytes all zero.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake into its 68-byte wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(ProtocolIdentifier))
	copy(buf[1:], ProtocolIdentifier)
	copy(buf[1+len(ProtocolIdentifier):], h.Reserved[:])
	copy(buf[1+len(ProtocolIdentifier)+8:], h.InfoHash[:])
	copy(buf[1+len(ProtocolIdentifier)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads a fixed 68-byte handshake from r. It fails with
// peererr.ErrHandshakeRejected on a bad pstrlen or protocol string
// mismatch; callers must separately check InfoHash against the expected
// torrent.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(ProtocolIdentifier) {
		return nil, fmt.Errorf("%w: pstrlen %d, want %d", peererr.ErrHandshakeRejected, pstrlen, len(ProtocolIdentifier))
	}

	rest := make([]byte, pstrlen+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	pstr := string(rest[:pstrlen])
	if pstr != ProtocolIdentifier {
		return nil, fmt.Errorf("%w: protocol string %q", peererr.ErrHandshakeRejected, pstr)
	}

	h := &Handshake{}
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+8+20])
	copy(h.PeerID[:], rest[pstrlen+8+20:])
	return h, nil
}

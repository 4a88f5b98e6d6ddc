// Package peererr defines the sentinel error kinds used across the peer
// engine, per the error taxonomy a caller needs to branch on.
package peererr

import "errors"

var (
	// ErrMetainfoInconsistent means the bencoded metadata is structurally
	// invalid or its piece count does not match the declared file sizes.
	ErrMetainfoInconsistent = errors.New("peerengine: metainfo inconsistent")

	// ErrHashMismatch means a piece's SHA-1 did not match its declared hash.
	ErrHashMismatch = errors.New("peerengine: piece hash mismatch")

	// ErrMalformedMessage means the wire framing or payload was invalid.
	ErrMalformedMessage = errors.New("peerengine: malformed message")

	// ErrHandshakeRejected means the handshake's protocol string or
	// info-hash did not match.
	ErrHandshakeRejected = errors.New("peerengine: handshake rejected")

	// ErrTrackerUnavailable means the tracker HTTP/JSON exchange failed.
	ErrTrackerUnavailable = errors.New("peerengine: tracker unavailable")

	// ErrPieceUnavailable means a piece could not be read back in full,
	// so the caller should answer "do-not-have" rather than serve
	// truncated data.
	ErrPieceUnavailable = errors.New("peerengine: piece unavailable")
)

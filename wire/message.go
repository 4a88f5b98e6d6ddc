// Package wire encodes and decodes the BitTorrent wire messages: the
// fixed handshake and the length-prefixed framed message types, including
// the non-standard id-10 "do-not-have" extension this dialect adds.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/talhaorak/peerengine/peererr"
)

// ID identifies the type of a framed message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	// DontHave is a non-standard extension (id 10): "I do not have the
	// piece you requested". Implementations interoperating with standard
	// clients must not emit it to them.
	DontHave ID = 10
)

// KeepAlive is a sentinel used by Message.ID to mean "zero-length
// keep-alive", which has no id byte on the wire.
const KeepAlive ID = 255

// Message is a single decoded wire message.
type Message struct {
	ID      ID
	Payload []byte
}

func fixedIDPayloadLen(id ID) (int, bool) {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, DontHave:
		return 0, true
	case Have:
		return 4, true
	case Request, Cancel:
		return 12, true
	case Port:
		return 2, true
	default:
		return 0, false // BitfieldMsg, Piece: variable length
	}
}

// Serialize encodes m into its length-prefixed wire form. A KeepAlive
// message serializes to a bare 4-byte zero length prefix.
func (m *Message) Serialize() []byte {
	if m.ID == KeepAlive {
		return make([]byte, 4)
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads exactly one framed message from r: a 4-byte length
// prefix, then exactly that many bytes. It coalesces short TCP reads via
// io.ReadFull rather than assuming one read equals one message. Fails
// with peererr.ErrMalformedMessage on an unknown id or a payload length
// inconsistent with that id.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)

	if length == 0 {
		return &Message{ID: KeepAlive}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	id := ID(body[0])
	payload := body[1:]

	if wantLen, fixed := fixedIDPayloadLen(id); fixed && len(payload) != wantLen {
		return nil, fmt.Errorf("%w: id %d payload length %d, want %d", peererr.ErrMalformedMessage, id, len(payload), wantLen)
	}
	if !isKnownID(id) {
		return nil, fmt.Errorf("%w: unknown message id %d", peererr.ErrMalformedMessage, id)
	}

	return &Message{ID: id, Payload: payload}, nil
}

func isKnownID(id ID) bool {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, Have, BitfieldMsg, Request, Piece, Cancel, Port, DontHave:
		return true
	default:
		return false
	}
}

// FormatRequest builds the 12-byte payload for a Request/Cancel message.
func FormatRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequest extracts index, begin, length from a Request/Cancel payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = fmt.Errorf("%w: request payload length %d", peererr.ErrMalformedMessage, len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// FormatPiece builds the payload for a Piece message: index, begin, block.
func FormatPiece(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return payload
}

// ParsePiece extracts index, begin, and data from a Piece message payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		err = fmt.Errorf("%w: piece payload too short: %d bytes", peererr.ErrMalformedMessage, len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// FormatHave builds the payload for a Have message.
func FormatHave(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return payload
}

// ParseHave extracts the piece index from a Have message payload.
func ParseHave(payload []byte) (index uint32, err error) {
	if len(payload) != 4 {
		err = fmt.Errorf("%w: have payload length %d", peererr.ErrMalformedMessage, len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload)
	return
}

// FormatPort builds the payload for a Port message.
func FormatPort(listenPort uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, listenPort)
	return payload
}

// Bitfield represents the pieces a peer has, MSB-first packed.
type Bitfield []byte

// HasPiece reports whether bit index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	offset := index % 8
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece sets bit index.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	offset := index % 8
	bf[byteIndex] |= 1 << (7 - offset)
}

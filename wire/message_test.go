package wire

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	encoded := m.Serialize()
	got, err := ReadMessage(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Payload: FormatHave(42)},
		{ID: BitfieldMsg, Payload: []byte{0xff, 0x00, 0xab}},
		{ID: Request, Payload: FormatRequest(1, 2, 3)},
		{ID: Piece, Payload: FormatPiece(1, 0, []byte("hello world"))},
		{ID: Cancel, Payload: FormatRequest(5, 6, 7)},
		{ID: Port, Payload: FormatPort(6881)},
		{ID: DontHave},
	}

	for _, c := range cases {
		got := roundTrip(t, c)
		if got.ID != c.ID {
			t.Errorf("id = %d, want %d", got.ID, c.ID)
		}
		if !bytes.Equal(got.Payload, c.Payload) {
			t.Errorf("id %d: payload = %v, want %v", c.ID, got.Payload, c.Payload)
		}
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	m := &Message{ID: KeepAlive}
	got := roundTrip(t, m)
	if got.ID != KeepAlive {
		t.Errorf("id = %d, want KeepAlive", got.ID)
	}
}

func TestReadMessageCoalescesShortReads(t *testing.T) {
	// Simulate a TCP stream delivered in single-byte chunks.
	full := (&Message{ID: Piece, Payload: FormatPiece(3, 16384, []byte("block-data"))}).Serialize()
	r := &oneByteAtATimeReader{data: full}

	got, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.ID != Piece {
		t.Fatalf("id = %d, want Piece", got.ID)
	}
	idx, begin, data, err := ParsePiece(got.Payload)
	if err != nil {
		t.Fatalf("ParsePiece: %v", err)
	}
	if idx != 3 || begin != 16384 || string(data) != "block-data" {
		t.Errorf("ParsePiece = %d,%d,%q", idx, begin, data)
	}
}

type oneByteAtATimeReader struct {
	data []byte
	pos  int
}

func (r *oneByteAtATimeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestReadMessageUnknownID(t *testing.T) {
	buf := make([]byte, 5)
	buf[3] = 1 // length = 1
	buf[4] = 99
	_, err := ReadMessage(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for unknown message id")
	}
}

func TestReadMessageBadPayloadLength(t *testing.T) {
	// Have message must carry exactly 4 bytes of payload; give it 2.
	buf := []byte{0, 0, 0, 3, byte(Have), 0, 1}
	_, err := ReadMessage(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for inconsistent have payload length")
	}
}

func TestBitfieldHasSetPiece(t *testing.T) {
	bf := make(Bitfield, 2)
	if bf.HasPiece(0) {
		t.Fatal("expected bit 0 unset initially")
	}
	bf.SetPiece(0)
	bf.SetPiece(15)
	if !bf.HasPiece(0) || !bf.HasPiece(15) {
		t.Error("expected bits 0 and 15 set")
	}
	if bf.HasPiece(7) {
		t.Error("bit 7 should remain unset")
	}
	if bf.HasPiece(100) {
		t.Error("out-of-range bit must read false, not panic")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "info-hash-20-bytes..")
	copy(peerID[:], "peer-id-20-bytes....")

	h := NewHandshake(infoHash, peerID)
	encoded := h.Serialize()
	if len(encoded) != handshakeLen {
		t.Fatalf("handshake length = %d, want %d", len(encoded), handshakeLen)
	}

	got, err := ReadHandshake(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Errorf("handshake round-trip mismatch: %+v", got)
	}
	if got.Reserved != [8]byte{} {
		t.Errorf("expected zero reserved bytes, got %v", got.Reserved)
	}
}

func TestReadHandshakeRejectsBadProtocol(t *testing.T) {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(ProtocolIdentifier))
	copy(buf[1:], "NotBitTorrent proto!")
	_, err := ReadHandshake(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for mismatched protocol string")
	}
}

func TestReadHandshakeRejectsBadPstrlen(t *testing.T) {
	buf := []byte{5, 1, 2, 3, 4, 5}
	_, err := ReadHandshake(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for wrong pstrlen")
	}
}

package metainfo

import (
	"bytes"
	"fmt"
	"testing"
)

func bstr(s string) []byte {
	return []byte(fmt.Sprintf("%d:%s", len(s), s))
}

func bint(n int64) []byte {
	return []byte(fmt.Sprintf("i%de", n))
}

func bbytes(b []byte) []byte {
	return append([]byte(fmt.Sprintf("%d:", len(b))), b...)
}

func buildSingleFileTorrent(t *testing.T, announce, name string, length, pieceLength int64, pieces []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte('d')
	buf.Write(bstr("announce"))
	buf.Write(bstr(announce))
	buf.Write(bstr("info"))
	buf.WriteByte('d')
	buf.Write(bstr("length"))
	buf.Write(bint(length))
	buf.Write(bstr("name"))
	buf.Write(bstr(name))
	buf.Write(bstr("piece length"))
	buf.Write(bint(pieceLength))
	buf.Write(bstr("pieces"))
	buf.Write(bbytes(pieces))
	buf.WriteByte('e') // end info
	buf.WriteByte('e') // end root
	return buf.Bytes()
}

func buildMultiFileTorrent(t *testing.T, announce, name string, pieceLength int64, pieces []byte, files [][2]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte('d')
	buf.Write(bstr("announce"))
	buf.Write(bstr(announce))
	buf.Write(bstr("info"))
	buf.WriteByte('d')
	buf.Write(bstr("files"))
	buf.WriteByte('l')
	for _, f := range files {
		length := f[0].(int64)
		path := f[1].(string)
		buf.WriteByte('d')
		buf.Write(bstr("length"))
		buf.Write(bint(length))
		buf.Write(bstr("path"))
		buf.WriteByte('l')
		buf.Write(bstr(path))
		buf.WriteByte('e')
		buf.WriteByte('e')
	}
	buf.WriteByte('e') // end files list
	buf.Write(bstr("name"))
	buf.Write(bstr(name))
	buf.Write(bstr("piece length"))
	buf.Write(bint(pieceLength))
	buf.Write(bstr("pieces"))
	buf.Write(bbytes(pieces))
	buf.WriteByte('e')
	buf.WriteByte('e')
	return buf.Bytes()
}

func fakeHashes(n int) []byte {
	out := make([]byte, 0, n*20)
	for i := 0; i < n; i++ {
		h := make([]byte, 20)
		for j := range h {
			h[j] = byte(i + 1)
		}
		out = append(out, h...)
	}
	return out
}

func TestParseSingleFile(t *testing.T) {
	data := buildSingleFileTorrent(t, "http://tracker.example/announce", "hello.txt", 11, 4, fakeHashes(3))

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.TrackerURL != "http://tracker.example/announce" {
		t.Errorf("TrackerURL = %q", m.TrackerURL)
	}
	if m.TotalPieces() != 3 {
		t.Errorf("TotalPieces = %d, want 3", m.TotalPieces())
	}
	if len(m.Files) != 1 || m.Files[0].Path != "hello.txt" || m.Files[0].Length != 11 {
		t.Errorf("Files = %+v", m.Files)
	}
	if m.TotalLength() != 11 {
		t.Errorf("TotalLength = %d", m.TotalLength())
	}
}

func TestParseInfoHashStable(t *testing.T) {
	data := buildSingleFileTorrent(t, "http://tracker.example/announce", "hello.txt", 11, 4, fakeHashes(3))

	m1, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m2, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m1.InfoHash != m2.InfoHash {
		t.Errorf("info hash not stable across loads: %x != %x", m1.InfoHash, m2.InfoHash)
	}

	// Changing the announce URL (outside "info") must not change InfoHash.
	data2 := buildSingleFileTorrent(t, "http://other.example/announce", "hello.txt", 11, 4, fakeHashes(3))
	m3, err := Parse(data2)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m1.InfoHash != m3.InfoHash {
		t.Errorf("info hash changed when only announce changed")
	}
}

func TestParseMultiFile(t *testing.T) {
	// two 300000-byte files, piece_length 524288 -> 2 pieces total (600000/524288 = 1.14 -> 2)
	data := buildMultiFileTorrent(t, "http://tracker.example/announce", "bundle", 524288, fakeHashes(2),
		[][2]interface{}{
			{int64(300000), "a.bin"},
			{int64(300000), "b.bin"},
		})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("Files = %+v", m.Files)
	}
	if m.TotalLength() != 600000 {
		t.Errorf("TotalLength = %d", m.TotalLength())
	}
	if m.TotalPieces() != 2 {
		t.Errorf("TotalPieces = %d, want 2", m.TotalPieces())
	}
}

func TestParsePieceCountMismatch(t *testing.T) {
	// 11 bytes at piece_length 4 implies 3 pieces; supply only 2 hashes.
	data := buildSingleFileTorrent(t, "http://tracker.example/announce", "hello.txt", 11, 4, fakeHashes(2))

	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for piece count mismatch")
	}
}

func TestParseZeroLengthFile(t *testing.T) {
	data := buildSingleFileTorrent(t, "http://tracker.example/announce", "empty.bin", 0, 4, nil)

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.TotalPieces() != 0 {
		t.Errorf("TotalPieces = %d, want 0", m.TotalPieces())
	}
}

// Package metainfo decodes a .torrent file into the immutable descriptor
// the rest of the peer engine reads from: tracker URL, piece length, file
// list, piece hashes, and the derived info-hash.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/jackpal/bencode-go"

	"github.com/talhaorak/peerengine/peererr"
)

const hashSize = 20

// File is one entry of the torrent's ordered file list.
type File struct {
	Path   string
	Length int64
}

// Metainfo is the immutable torrent descriptor. Once loaded it is safe for
// concurrent read access from every session of the torrent.
type Metainfo struct {
	TrackerURL  string
	Name        string
	PieceLength int64
	PiecesHash  []byte // 20*N bytes
	Files       []File
	InfoHash    [hashSize]byte
}

// rawFile mirrors the bencode "files" list entry.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawMetainfo struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// TotalPieces returns len(PiecesHash)/20.
func (m *Metainfo) TotalPieces() int {
	return len(m.PiecesHash) / hashSize
}

// PieceHash returns the declared SHA-1 for piece index i.
func (m *Metainfo) PieceHash(i int) []byte {
	return m.PiecesHash[i*hashSize : i*hashSize+hashSize]
}

// TotalLength returns the sum of all file lengths.
func (m *Metainfo) TotalLength() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// Parse decodes a .torrent file's bytes into a Metainfo. It fails with
// peererr.ErrMetainfoInconsistent if the computed total pieces does not
// match len(pieces)/20, or if the bencode structure is invalid.
func Parse(data []byte) (*Metainfo, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding torrent file: %s", peererr.ErrMetainfoInconsistent, err)
	}

	m := &Metainfo{
		TrackerURL:  raw.Announce,
		Name:        raw.Info.Name,
		PieceLength: raw.Info.PieceLength,
		PiecesHash:  []byte(raw.Info.Pieces),
	}

	if len(raw.Info.Files) > 0 {
		for _, rf := range raw.Info.Files {
			path, err := joinPath(rf.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: file path: %s", peererr.ErrMetainfoInconsistent, err)
			}
			m.Files = append(m.Files, File{
				Path:   path,
				Length: rf.Length,
			})
		}
	} else {
		m.Files = append(m.Files, File{Path: raw.Info.Name, Length: raw.Info.Length})
	}

	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length", peererr.ErrMetainfoInconsistent)
	}
	if len(m.PiecesHash)%hashSize != 0 {
		return nil, fmt.Errorf("%w: pieces hash length %d not a multiple of %d", peererr.ErrMetainfoInconsistent, len(m.PiecesHash), hashSize)
	}

	expectedPieces := expectedPieceCount(m.TotalLength(), m.PieceLength)
	if expectedPieces != m.TotalPieces() {
		return nil, fmt.Errorf("%w: file sizes imply %d pieces, pieces hash has %d", peererr.ErrMetainfoInconsistent, expectedPieces, m.TotalPieces())
	}

	infoHash, err := computeInfoHash(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", peererr.ErrMetainfoInconsistent, err)
	}
	m.InfoHash = infoHash

	return m, nil
}

func expectedPieceCount(totalLength, pieceLength int64) int {
	if totalLength == 0 {
		return 0
	}
	n := totalLength / pieceLength
	if totalLength%pieceLength != 0 {
		n++
	}
	return int(n)
}

// joinPath validates and joins a torrent's file path segments. Each
// segment must be a plain name: no empty segments, no ".", ".." (path
// traversal), and no embedded path separators (which would let a single
// segment smuggle an absolute or traversing path past this check).
func joinPath(segments []string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("empty file path")
	}
	out := ""
	for i, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("invalid path segment %q", s)
		}
		if strings.ContainsAny(s, "/\\") {
			return "", fmt.Errorf("path segment %q contains a separator", s)
		}
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out, nil
}

// computeInfoHash locates the raw bytes of the "info" sub-dictionary inside
// the original bencoded stream and SHA-1s them directly, rather than
// re-marshaling the decoded struct (whose field order is not guaranteed to
// match the canonical encoding). Grounded on lvbealr-BitTorrent's
// extractInfoBytes/computeInfoHash.
func computeInfoHash(data []byte) ([hashSize]byte, error) {
	var out [hashSize]byte

	start, end, err := findTopLevelDictValue(data, "info")
	if err != nil {
		return out, err
	}

	sum := sha1.Sum(data[start:end])
	copy(out[:], sum[:])
	return out, nil
}

// findTopLevelDictValue walks the top-level bencoded dictionary's keys in
// order and returns the byte range of the value for the given key. Unlike
// a raw substring search, this can't be fooled by another key's string
// value that happens to contain the bytes "<len>:<key>".
func findTopLevelDictValue(data []byte, key string) (start, end int, err error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, 0, fmt.Errorf("not a bencoded dictionary")
	}

	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyEnd, err := bencodeValueEnd(data, pos)
		if err != nil {
			return 0, 0, fmt.Errorf("reading dict key: %w", err)
		}
		keyStart := pos
		// keyStart points at the string's length prefix; the decoded
		// key itself starts after "<len>:".
		colon := bytes.IndexByte(data[keyStart:keyEnd], ':')
		if colon < 0 {
			return 0, 0, fmt.Errorf("malformed dict key at %d", keyStart)
		}
		decodedKey := string(data[keyStart+colon+1 : keyEnd])

		valStart := keyEnd
		valEnd, err := bencodeValueEnd(data, valStart)
		if err != nil {
			return 0, 0, fmt.Errorf("reading dict value for key %q: %w", decodedKey, err)
		}

		if decodedKey == key {
			return valStart, valEnd, nil
		}

		pos = valEnd
	}

	return 0, 0, fmt.Errorf("key %q not found in top-level dict", key)
}

// bencodeValueEnd returns the index just past the single bencoded value
// (string, integer, list, or dict) beginning at data[start].
func bencodeValueEnd(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, fmt.Errorf("truncated bencode value")
	}

	switch c := data[start]; {
	case c == 'd' || c == 'l':
		depth := 0
		for i := start; i < len(data); i++ {
			switch b := data[i]; {
			case b == 'd' || b == 'l':
				depth++
			case b == 'e':
				depth--
				if depth == 0 {
					return i + 1, nil
				}
			case b == 'i':
				j := i + 1
				for ; j < len(data) && data[j] != 'e'; j++ {
				}
				if j >= len(data) {
					return 0, fmt.Errorf("unterminated integer at %d", i)
				}
				i = j
			case b >= '0' && b <= '9':
				// A nested string: skip its raw bytes by declared
				// length so bytes like 'd'/'l'/'e'/'i' inside it
				// (e.g. the pieces hash blob) can't be mistaken for
				// structural tokens and desync the depth count.
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j >= len(data) || data[j] != ':' {
					return 0, fmt.Errorf("malformed string length at %d", i)
				}
				length, err := parseASCIIInt(data[i:j])
				if err != nil {
					return 0, fmt.Errorf("invalid string length at %d: %w", i, err)
				}
				i = j + length // loop's i++ advances past ':'
			}
		}
		return 0, fmt.Errorf("unterminated dict/list")
	case c == 'i':
		j := start + 1
		for ; j < len(data) && data[j] != 'e'; j++ {
		}
		if j >= len(data) {
			return 0, fmt.Errorf("unterminated integer")
		}
		return j + 1, nil
	case c >= '0' && c <= '9':
		j := start
		for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
		}
		if j >= len(data) || data[j] != ':' {
			return 0, fmt.Errorf("malformed string length")
		}
		length, err := parseASCIIInt(data[start:j])
		if err != nil {
			return 0, err
		}
		return j + 1 + length, nil
	default:
		return 0, fmt.Errorf("unexpected bencode tag %q", c)
	}
}

func parseASCIIInt(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty integer")
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Package pieces owns the on-disk state for one torrent: materializes
// files, reads/writes piece-sized slices across file spans, verifies
// SHA-1 per piece, and maintains the local bitfield.
package pieces

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/peererr"
	"github.com/talhaorak/peerengine/piecemap"
)

// Manager owns file handles and the bitfield for one torrent. It is safe
// for concurrent use: the bitfield is guarded by a mutex that is never
// held across a file read/write.
type Manager struct {
	meta *metainfo.Metainfo
	pm   *piecemap.PieceMap
	root string // root_dir/name

	mu       sync.Mutex
	bitfield []bool
	complete map[int]struct{}

	files []*os.File
}

// Load ensures every file exists under rootDir/name/..., pre-allocating
// missing files to their declared length, then scans each piece's spans
// against the declared SHA-1, setting the bitfield bit on match. A
// corrupt or missing file only affects the pieces that depend on it.
func Load(meta *metainfo.Metainfo, pm *piecemap.PieceMap, rootDir string) (*Manager, error) {
	root := filepath.Join(rootDir, meta.Name)

	m := &Manager{
		meta:     meta,
		pm:       pm,
		root:     root,
		bitfield: make([]bool, pm.TotalPieces()),
		complete: make(map[int]struct{}),
		files:    make([]*os.File, len(meta.Files)),
	}

	for i, f := range meta.Files {
		path := filepath.Join(root, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("pieces: creating directory for %s: %w", path, err)
		}
		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("pieces: opening %s: %w", path, err)
		}
		info, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("pieces: stat %s: %w", path, err)
		}
		if info.Size() != f.Length {
			if err := fh.Truncate(f.Length); err != nil {
				fh.Close()
				return nil, fmt.Errorf("pieces: truncating %s to %d: %w", path, f.Length, err)
			}
		}
		m.files[i] = fh
	}

	for i := 0; i < pm.TotalPieces(); i++ {
		data, err := m.readSpans(i)
		if err != nil {
			continue // leave bit 0: missing/short file or read error
		}
		if sha1Matches(data, meta.PieceHash(i)) {
			m.setBit(i)
		}
	}

	return m, nil
}

// Close closes all open file handles.
func (m *Manager) Close() error {
	var firstErr error
	for _, f := range m.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetBitfield returns the MSB-first packed wire bitfield, padded to a
// whole number of bytes with zero bits.
func (m *Manager) GetBitfield() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.bitfield)
	out := make([]byte, (n+7)/8)
	for i, present := range m.bitfield {
		if present {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// PieceLength returns the declared span-length sum of piece index.
func (m *Manager) PieceLength(index int) int64 {
	return m.pm.PieceLength(index)
}

// TotalPieces returns the number of pieces in the torrent.
func (m *Manager) TotalPieces() int {
	return m.pm.TotalPieces()
}

// HasPiece reports whether the local bitfield bit is set for index.
func (m *Manager) HasPiece(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield[index]
}

// GetPiece returns exactly PieceLength(index) bytes by concatenating reads
// across the span list, or peererr.ErrPieceUnavailable if any underlying
// file is missing or short. File I/O happens outside any lock.
func (m *Manager) GetPiece(index int) ([]byte, error) {
	data, err := m.readSpans(index)
	if err != nil {
		return nil, fmt.Errorf("%w: piece %d: %s", peererr.ErrPieceUnavailable, index, err)
	}
	return data, nil
}

// SavePiece verifies len(data) equals the piece's declared length, writes
// each span's slice at its file offset, then re-reads and SHA-1-verifies.
// Only on verification success is the bitfield bit set; on failure the
// partial write is left in place (it is semantically invalid until a
// future retry overwrites it, no rollback is required).
func (m *Manager) SavePiece(index int, data []byte) error {
	declared := m.pm.PieceLength(index)
	if int64(len(data)) != declared {
		return fmt.Errorf("%w: piece %d: got %d bytes, want %d", peererr.ErrHashMismatch, index, len(data), declared)
	}

	if err := m.writeSpans(index, data); err != nil {
		return fmt.Errorf("pieces: writing piece %d: %w", index, err)
	}

	readBack, err := m.readSpans(index)
	if err != nil {
		return fmt.Errorf("pieces: re-reading piece %d after write: %w", index, err)
	}

	if !sha1Matches(readBack, m.meta.PieceHash(index)) {
		return fmt.Errorf("%w: piece %d", peererr.ErrHashMismatch, index)
	}

	m.setBit(index)
	return nil
}

// NextMissing returns all indices with bit 0, in ascending order, or nil
// if none remain.
func (m *Manager) NextMissing() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for i, present := range m.bitfield {
		if !present {
			out = append(out, i)
		}
	}
	return out
}

func (m *Manager) setBit(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bitfield[index] {
		m.bitfield[index] = true
		m.complete[index] = struct{}{}
	}
}

func (m *Manager) readSpans(index int) ([]byte, error) {
	spans := m.pm.Spans(index)
	buf := bytes.NewBuffer(make([]byte, 0, m.pm.PieceLength(index)))

	for _, span := range spans {
		f := m.files[span.FileIndex]
		if f == nil {
			return nil, fmt.Errorf("file index %d not open", span.FileIndex)
		}
		chunk := make([]byte, span.Length)
		n, err := f.ReadAt(chunk, span.FileOffset)
		if err != nil || int64(n) != span.Length {
			if err == nil {
				err = fmt.Errorf("short read: got %d, want %d", n, span.Length)
			}
			return nil, err
		}
		buf.Write(chunk)
	}

	return buf.Bytes(), nil
}

func (m *Manager) writeSpans(index int, data []byte) error {
	spans := m.pm.Spans(index)
	offset := int64(0)

	for _, span := range spans {
		f := m.files[span.FileIndex]
		if f == nil {
			return fmt.Errorf("file index %d not open", span.FileIndex)
		}
		if _, err := f.WriteAt(data[offset:offset+span.Length], span.FileOffset); err != nil {
			return err
		}
		offset += span.Length
	}

	return nil
}

func sha1Matches(data, want []byte) bool {
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], want)
}

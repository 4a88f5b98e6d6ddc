// Package piecemap computes the static piece-index -> file-span mapping
// for a torrent: which bytes of which file(s) make up each piece.
package piecemap

import (
	"fmt"

	"github.com/talhaorak/peerengine/metainfo"
	"github.com/talhaorak/peerengine/peererr"
)

// Span is a contiguous byte range within one file.
type Span struct {
	FileIndex  int
	FileOffset int64
	Length     int64
}

// PieceMap is the ordered list of spans for every piece index.
type PieceMap struct {
	pieces [][]Span
}

// Build walks the file list in declared order, emitting up to
// piece_length bytes per piece, advancing across file boundaries as
// needed. The final piece may be shorter. Fails with
// peererr.ErrMetainfoInconsistent if the computed piece count does not
// equal len(pieces_hash)/20.
func Build(m *metainfo.Metainfo) (*PieceMap, error) {
	total := m.TotalPieces()
	totalLength := m.TotalLength()
	pm := &PieceMap{pieces: make([][]Span, 0, total)}

	fileIndex := 0
	fileOffset := int64(0)
	consumed := int64(0)

	for pieceIdx := 0; pieceIdx < total; pieceIdx++ {
		remaining := m.PieceLength
		if left := totalLength - int64(pieceIdx)*m.PieceLength; left < remaining {
			remaining = left // final piece is shorter
		}
		var spans []Span

		for remaining > 0 {
			if fileIndex >= len(m.Files) {
				return nil, fmt.Errorf("%w: ran out of file bytes building piece %d", peererr.ErrMetainfoInconsistent, pieceIdx)
			}
			file := m.Files[fileIndex]
			available := file.Length - fileOffset

			if available <= 0 {
				fileIndex++
				fileOffset = 0
				continue
			}

			take := remaining
			if take > available {
				take = available
			}

			spans = append(spans, Span{
				FileIndex:  fileIndex,
				FileOffset: fileOffset,
				Length:     take,
			})

			fileOffset += take
			remaining -= take
			consumed += take

			if fileOffset >= file.Length {
				fileIndex++
				fileOffset = 0
			}
		}

		if len(spans) == 0 {
			return nil, fmt.Errorf("%w: piece %d produced no spans", peererr.ErrMetainfoInconsistent, pieceIdx)
		}
		pm.pieces = append(pm.pieces, spans)
	}

	if consumed != totalLength {
		return nil, fmt.Errorf("%w: %d pieces cover %d of %d file bytes", peererr.ErrMetainfoInconsistent, total, consumed, totalLength)
	}

	return pm, nil
}

// Spans returns the ordered span list for piece index i.
func (pm *PieceMap) Spans(i int) []Span {
	return pm.pieces[i]
}

// TotalPieces returns the number of pieces in the map.
func (pm *PieceMap) TotalPieces() int {
	return len(pm.pieces)
}

// PieceLength returns the declared length (sum of span lengths) of piece i.
func (pm *PieceMap) PieceLength(i int) int64 {
	var total int64
	for _, s := range pm.pieces[i] {
		total += s.Length
	}
	return total
}

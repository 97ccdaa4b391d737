package anacrolix

import (
	"github.com/anacrolix/torrent"

	"torrentstream/internal/domain"
)

// pieceRange is a half-open [start, end) piece index range.
type pieceRange struct {
	start int
	end   int
}

// mapPriority translates the domain's six-level priority onto five of
// anacrolix's torrent.PiecePriority tiers. anacrolix has no Low tier, so Low and
// Normal both map to PiecePriorityNormal; an unrecognized value falls back
// to Normal rather than silently doing nothing.
func mapPriority(p domain.Priority) torrent.PiecePriority {
	switch p {
	case domain.PriorityNone:
		return torrent.PiecePriorityNone
	case domain.PriorityLow, domain.PriorityNormal:
		return torrent.PiecePriorityNormal
	case domain.PriorityReadahead:
		return torrent.PiecePriorityReadahead
	case domain.PriorityNext:
		return torrent.PiecePriorityNext
	case domain.PriorityHigh:
		return torrent.PiecePriorityNow
	default:
		return torrent.PiecePriorityNormal
	}
}

// applyPiecePriority sets the priority of every piece overlapping byte range
// r of file on torrent t. This is the mechanism behind both the warm-cache
// recipe (§4.4, boosting the first pieces of the selected video file) and
// the streaming reader's sliding window (boosting pieces ahead of playback
// position).
func (e *Engine) applyPiecePriority(t *torrent.Torrent, file domain.FileRef, r domain.Range, prio domain.Priority) {
	if t == nil || !torrentInfoReady(t) {
		return
	}
	files := t.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return
	}
	pr, ok := computePieceRange(t, files[file.Index], r)
	if !ok {
		return
	}
	target := mapPriority(prio)
	for i := pr.start; i < pr.end; i++ {
		t.Piece(i).SetPriority(target)
	}
}

// computePieceRange maps byte range r within file f to the piece indices of
// torrent t that overlap it.
func computePieceRange(t *torrent.Torrent, f *torrent.File, r domain.Range) (pieceRange, bool) {
	if t == nil || f == nil {
		return pieceRange{}, false
	}
	if r.Length <= 0 {
		return pieceRange{}, false
	}
	pieceSize := int64(t.Info().PieceLength)
	if pieceSize <= 0 {
		return pieceRange{}, false
	}
	fileOffset := f.Offset()
	fileLength := f.Length()
	if fileLength <= 0 {
		return pieceRange{}, false
	}

	start := fileOffset + r.Off
	if start < fileOffset {
		start = fileOffset
	}
	fileEnd := fileOffset + fileLength
	if start >= fileEnd {
		return pieceRange{}, false
	}
	end := start + r.Length
	if end > fileEnd || end < start {
		end = fileEnd
	}

	startPiece := int(start / pieceSize)
	endPiece := int((end + pieceSize - 1) / pieceSize)
	if endPiece <= startPiece {
		endPiece = startPiece + 1
	}

	numPieces := t.NumPieces()
	if numPieces <= 0 {
		return pieceRange{}, false
	}
	if startPiece < 0 {
		startPiece = 0
	}
	if startPiece >= numPieces {
		return pieceRange{}, false
	}
	if endPiece > numPieces {
		endPiece = numPieces
	}
	if endPiece <= startPiece {
		return pieceRange{}, false
	}

	return pieceRange{start: startPiece, end: endPiece}, true
}

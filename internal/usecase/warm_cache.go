package usecase

import (
	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

// streamStartBoostBytes is the slice of the video file head boosted when a
// transmux job starts; the encoder's sequential reads drive demand past it.
const streamStartBoostBytes int64 = 8 << 20

// PickVideoFile selects the playback target: the largest file with a video
// extension. Ties break toward the lower index.
func PickVideoFile(files []domain.FileRef) (domain.FileRef, bool) {
	best := domain.FileRef{Index: -1}
	found := false
	for _, f := range files {
		if !f.IsVideo {
			continue
		}
		if !found || f.Length > best.Length {
			best = f
			found = true
		}
	}
	return best, found
}

// warmCache focuses the swarm on the head of the selected video file: every
// other file is dropped to no-download, the video file stays at normal
// priority, and its leading warmBytes are boosted so they arrive first.
func warmCache(session ports.Session, files []domain.FileRef, video domain.FileRef, warmBytes int64) {
	for _, f := range files {
		if f.Index == video.Index || f.Length <= 0 {
			continue
		}
		session.SetPiecePriority(f, domain.Range{Off: 0, Length: f.Length}, domain.PriorityNone)
	}
	if video.Length <= 0 {
		return
	}
	session.SetPiecePriority(video, domain.Range{Off: 0, Length: video.Length}, domain.PriorityNormal)
	head := warmBytes
	if head > video.Length {
		head = video.Length
	}
	if head > 0 {
		session.SetPiecePriority(video, domain.Range{Off: 0, Length: head}, domain.PriorityHigh)
	}
}

// PrioritizeStreamStart boosts the head of the video file when an encoder is
// about to start reading it. The first chunk is urgent; a readahead band
// behind it keeps the encoder fed while it parses container headers.
func PrioritizeStreamStart(session ports.Session, video domain.FileRef) {
	if video.Length <= 0 {
		return
	}
	boost := streamStartBoostBytes
	if boost > video.Length {
		boost = video.Length
	}
	session.SetPiecePriority(video, domain.Range{Off: 0, Length: boost}, domain.PriorityHigh)
	if remaining := video.Length - boost; remaining > 0 {
		window := boost * 4
		if window > remaining {
			window = remaining
		}
		session.SetPiecePriority(video, domain.Range{Off: boost, Length: window}, domain.PriorityReadahead)
	}
}

// ResetPriorities restores uniform priorities across all files, undoing any
// warm-cache or streaming boost. Applied when a stream is reaped.
func ResetPriorities(session ports.Session, files []domain.FileRef) {
	for _, f := range files {
		if f.Length <= 0 {
			continue
		}
		session.SetPiecePriority(f, domain.Range{Off: 0, Length: f.Length}, domain.PriorityNormal)
	}
}

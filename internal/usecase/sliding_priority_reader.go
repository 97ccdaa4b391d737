package usecase

import (
	"context"
	"io"
	"sync"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

const (
	minSlidingPriorityStep = 1 << 20

	// gradientHighBand covers the bytes at the current read position; kept
	// at the urgent tier so the next Read never waits on peer selection.
	gradientHighBand int64 = 2 << 20

	// gradientNextBand follows the high band at the next-window tier.
	gradientNextBand int64 = 2 << 20

	// fileBoundaryProtection is never deprioritized: container seek
	// indices (MP4 moov, MKV SeekHead/Cues) live at the file edges.
	fileBoundaryProtection int64 = 8 << 20

	// adaptiveTargetBufferSeconds sizes the window to hold this much
	// playback at the observed consumption rate.
	adaptiveTargetBufferSeconds = 30.0
)

// slidingPriorityReader drags a graduated priority window behind every Read
// and Seek so the swarm keeps delivering just ahead of playback position.
// The window resizes against the consumer's observed read rate, doubles
// briefly after a seek, and goes dormant when another reader on the same
// torrent is the active one.
type slidingPriorityReader struct {
	reader    ports.StreamReader
	session   ports.Session
	file      domain.FileRef
	window    int64
	minWindow int64
	maxWindow int64
	backtrack int64
	step      int64

	mu                       sync.Mutex
	pos                      int64
	lastOff                  int64
	prevOff                  int64
	prevWindow               int64
	bytesReadSinceLastUpdate int64
	lastUpdateTime           time.Time
	effectiveBytesPerSec     float64
	seekBoostUntil           time.Time

	lastAccess        time.Time
	lastDormancyCheck time.Time
	dormant           bool
	registry          *readerRegistry
	torrentID         domain.TorrentID
}

func newSlidingPriorityReader(
	reader ports.StreamReader,
	session ports.Session,
	file domain.FileRef,
	readahead int64,
	window int64,
	registry *readerRegistry,
	torrentID domain.TorrentID,
) *slidingPriorityReader {
	backtrack := readahead
	if backtrack < 0 {
		backtrack = 0
	}
	if backtrack > window/2 {
		backtrack = window / 2
	}

	step := window / 4
	if step < minSlidingPriorityStep {
		step = minSlidingPriorityStep
	}

	now := time.Now()
	return &slidingPriorityReader{
		reader:         reader,
		session:        session,
		file:           file,
		window:         window,
		minWindow:      minPriorityWindowBytes,
		maxWindow:      maxPriorityWindowBytes,
		backtrack:      backtrack,
		step:           step,
		lastUpdateTime: now,
		lastAccess:     now,
		registry:       registry,
		torrentID:      torrentID,
	}
}

func (r *slidingPriorityReader) SetContext(ctx context.Context) {
	r.reader.SetContext(ctx)
}

func (r *slidingPriorityReader) SetReadahead(n int64) {
	r.reader.SetReadahead(n)
}

func (r *slidingPriorityReader) SetResponsive() {
	r.reader.SetResponsive()
}

func (r *slidingPriorityReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		now := time.Now()
		r.mu.Lock()
		r.pos += int64(n)
		r.lastAccess = now
		r.bytesReadSinceLastUpdate += int64(n)
		if r.dormant {
			r.exitDormancyLocked()
		}
		r.adjustWindowLocked()
		r.updatePriorityWindowLocked(false)
		checkDormancy := r.registry != nil && now.Sub(r.lastDormancyCheck) > 5*time.Second
		if checkDormancy {
			r.lastDormancyCheck = now
		}
		r.mu.Unlock()

		if checkDormancy {
			r.registry.enforceDormancy(r.torrentID, r)
		}
	}
	return n, err
}

func (r *slidingPriorityReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.reader.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	r.mu.Lock()
	r.pos = pos
	r.lastAccess = time.Now()
	if r.dormant {
		r.exitDormancyLocked()
	}
	// Double the window for a few seconds after a seek; the freshly
	// prioritized region has nothing buffered behind it.
	boosted := r.window * 2
	if boosted > r.maxWindow {
		boosted = r.maxWindow
	}
	r.window = boosted
	r.seekBoostUntil = time.Now().Add(10 * time.Second)
	r.updatePriorityWindowLocked(true)
	r.mu.Unlock()

	if r.registry != nil {
		r.registry.enforceDormancy(r.torrentID, r)
	}
	return pos, nil
}

func (r *slidingPriorityReader) Close() error {
	if r.registry != nil {
		r.registry.unregister(r.torrentID, r)
	}
	return r.reader.Close()
}

// enterDormancyLocked parks the reader: readahead zeroed, window dropped.
// Caller holds r.mu.
func (r *slidingPriorityReader) enterDormancyLocked() {
	r.dormant = true
	r.reader.SetReadahead(0)
	if r.prevWindow > 0 {
		r.deprioritizeRange(r.prevOff, r.prevWindow)
	}
}

// exitDormancyLocked restores readahead and reapplies the window. Caller
// holds r.mu.
func (r *slidingPriorityReader) exitDormancyLocked() {
	r.dormant = false
	r.reader.SetReadahead(r.window)
	r.updatePriorityWindowLocked(true)
}

// adjustWindowLocked recomputes the window from the EMA-smoothed read rate.
// Recalculation is rate-limited to twice a second; the seek boost is left
// alone until it expires.
func (r *slidingPriorityReader) adjustWindowLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdateTime).Seconds()
	if elapsed < 0.5 {
		return
	}

	instantRate := float64(r.bytesReadSinceLastUpdate) / elapsed
	if r.effectiveBytesPerSec <= 0 {
		r.effectiveBytesPerSec = instantRate
	} else {
		r.effectiveBytesPerSec = 0.7*r.effectiveBytesPerSec + 0.3*instantRate
	}
	r.bytesReadSinceLastUpdate = 0
	r.lastUpdateTime = now

	if now.Before(r.seekBoostUntil) {
		return
	}

	dynamicWindow := int64(r.effectiveBytesPerSec * adaptiveTargetBufferSeconds)
	if dynamicWindow < r.minWindow {
		dynamicWindow = r.minWindow
	}
	if dynamicWindow > r.maxWindow {
		dynamicWindow = r.maxWindow
	}
	r.window = dynamicWindow
}

func (r *slidingPriorityReader) updatePriorityWindowLocked(force bool) {
	off := r.pos - r.backtrack
	if off < 0 {
		off = 0
	}

	if !force {
		delta := off - r.lastOff
		if delta < 0 {
			delta = -delta
		}
		if delta < r.step {
			return
		}
	}

	// Drop the part of the previous window the new one no longer covers.
	if r.prevWindow > 0 {
		prevEnd := r.prevOff + r.prevWindow
		newStart := off
		newEnd := off + r.window
		if prevEnd <= newStart || r.prevOff >= newEnd {
			r.deprioritizeRange(r.prevOff, r.prevWindow)
		} else if r.prevOff < newStart {
			r.deprioritizeRange(r.prevOff, newStart-r.prevOff)
		}
	}

	r.applyGradientPriority(off)

	r.prevOff = off
	r.prevWindow = r.window
	r.lastOff = off
}

// applyGradientPriority lays four tiers over the window, most urgent at the
// read position: High, Next, Readahead, then Normal for the rest.
func (r *slidingPriorityReader) applyGradientPriority(off int64) {
	cursor := off
	remaining := r.window

	apply := func(length int64, prio domain.Priority) {
		if length <= 0 || length > remaining {
			length = remaining
		}
		if length <= 0 {
			return
		}
		r.session.SetPiecePriority(r.file, domain.Range{Off: cursor, Length: length}, prio)
		cursor += length
		remaining -= length
	}

	apply(gradientHighBand, domain.PriorityHigh)
	apply(gradientNextBand, domain.PriorityNext)

	// Readahead takes roughly a quarter of what is left; a window too
	// small to split meaningfully is all readahead.
	if remaining > 0 {
		readaheadLen := remaining / 4
		if readaheadLen < gradientHighBand {
			readaheadLen = remaining
		}
		apply(readaheadLen, domain.PriorityReadahead)
	}
	apply(remaining, domain.PriorityNormal)
}

// deprioritizeRange drops a byte range to no-download, clipped so the
// protected file edges keep their priority.
func (r *slidingPriorityReader) deprioritizeRange(off, length int64) {
	if length <= 0 {
		return
	}
	end := off + length
	fileLen := r.file.Length

	headEnd := fileBoundaryProtection
	if headEnd > fileLen {
		headEnd = fileLen
	}
	tailStart := fileLen - fileBoundaryProtection
	if tailStart < headEnd {
		tailStart = headEnd
	}

	start := off
	if start < headEnd {
		start = headEnd
	}
	if end > tailStart {
		end = tailStart
	}
	if start >= end {
		return
	}
	r.session.SetPiecePriority(r.file, domain.Range{Off: start, Length: end - start}, domain.PriorityNone)
}

// EffectiveBytesPerSec returns the EMA-smoothed read throughput.
func (r *slidingPriorityReader) EffectiveBytesPerSec() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveBytesPerSec
}

var _ ports.StreamReader = (*slidingPriorityReader)(nil)
var _ io.ReadSeekCloser = (*slidingPriorityReader)(nil)

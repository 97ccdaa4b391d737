package usecase

import (
	"io"
	"testing"
	"time"

	"torrentstream/internal/domain"
)

func TestStreamPriorityWindow(t *testing.T) {
	MB := int64(1 << 20)
	GB := int64(1 << 30)

	tests := []struct {
		name      string
		readahead int64
		fileLen   int64
		want      int64
	}{
		{"default readahead small file", 0, 100 * MB, 64 * MB},
		{"minimum floor", 1 * MB, 100 * MB, minPriorityWindowBytes},
		{"scales with large file", 0, 20 * GB, 20 * GB / 100},
		{"capped at maximum", 0, 100 * GB, maxPriorityWindowBytes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := streamPriorityWindow(tc.readahead, tc.fileLen); got != tc.want {
				t.Fatalf("streamPriorityWindow(%d, %d) = %d, want %d", tc.readahead, tc.fileLen, got, tc.want)
			}
		})
	}
}

func videoFile(length int64) domain.FileRef {
	return domain.FileRef{Index: 0, Path: "Show/episode.mkv", Length: length, IsVideo: true}
}

func newGradientReader(session *stubSession, file domain.FileRef, window int64, data int) *slidingPriorityReader {
	return newSlidingPriorityReader(
		&stubReader{data: make([]byte, data)},
		session, file, 16<<20, window, nil, "t1",
	)
}

func TestGradientAppliedOnSeek(t *testing.T) {
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	r := newGradientReader(session, file, 64<<20, 1<<20)

	if _, err := r.Seek(128<<20, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	var high, next, readahead, normal bool
	for _, p := range session.prios {
		switch p.prio {
		case domain.PriorityHigh:
			high = true
		case domain.PriorityNext:
			next = true
		case domain.PriorityReadahead:
			readahead = true
		case domain.PriorityNormal:
			normal = true
		}
	}
	if !high || !next || !readahead || !normal {
		t.Fatalf("gradient incomplete: high=%v next=%v readahead=%v normal=%v", high, next, readahead, normal)
	}
}

func TestSeekDoublesWindow(t *testing.T) {
	file := videoFile(10 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	r := newGradientReader(session, file, 64<<20, 1<<20)

	before := r.window
	if _, err := r.Seek(1<<30, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if r.window != before*2 {
		t.Fatalf("window = %d, want %d", r.window, before*2)
	}
	if !time.Now().Before(r.seekBoostUntil) {
		t.Fatal("seek boost not armed")
	}
}

func TestSeekBoostCappedAtMax(t *testing.T) {
	file := videoFile(10 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	r := newGradientReader(session, file, maxPriorityWindowBytes, 1<<20)

	if _, err := r.Seek(1<<30, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if r.window != maxPriorityWindowBytes {
		t.Fatalf("window = %d, want cap %d", r.window, maxPriorityWindowBytes)
	}
}

func TestDeprioritizeProtectsFileEdges(t *testing.T) {
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	r := newGradientReader(session, file, 64<<20, 1<<20)

	// A range overlapping the head protection zone is clipped.
	r.deprioritizeRange(0, 16<<20)
	for _, p := range session.prios {
		if p.prio != domain.PriorityNone {
			continue
		}
		if p.rng.Off < fileBoundaryProtection {
			t.Fatalf("head protection violated: %+v", p.rng)
		}
	}

	// A range entirely inside a protection zone produces no call.
	session.prios = nil
	r.deprioritizeRange(0, 4<<20)
	if len(session.prios) != 0 {
		t.Fatalf("protected head was deprioritized: %v", session.prios)
	}
	session.prios = nil
	r.deprioritizeRange(file.Length-(4<<20), 4<<20)
	if len(session.prios) != 0 {
		t.Fatalf("protected tail was deprioritized: %v", session.prios)
	}
}

func TestReadTracksThroughput(t *testing.T) {
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	r := newGradientReader(session, file, 64<<20, 8<<20)

	buf := make([]byte, 1<<20)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.pos != 1<<20 {
		t.Fatalf("pos = %d", r.pos)
	}

	// Rate is only sampled after the update interval.
	r.lastUpdateTime = time.Now().Add(-time.Second)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.EffectiveBytesPerSec() <= 0 {
		t.Fatal("throughput not sampled")
	}
}

func TestCloseUnregisters(t *testing.T) {
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	reg := newReaderRegistry()

	r := newSlidingPriorityReader(&stubReader{data: make([]byte, 4096)}, session, file, 16<<20, 64<<20, reg, "t1")
	reg.register("t1", r)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reg.mu.Lock()
	remaining := len(reg.readers["t1"])
	reg.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("readers left after close = %d", remaining)
	}
}

// ---------------------------------------------------------------------------
// Dormancy
// ---------------------------------------------------------------------------

func dormancyPair(t *testing.T) (*readerRegistry, *slidingPriorityReader, *slidingPriorityReader) {
	t.Helper()
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	reg := newReaderRegistry()

	active := newSlidingPriorityReader(&stubReader{data: make([]byte, 8<<20)}, session, file, 16<<20, 64<<20, reg, "t1")
	idle := newSlidingPriorityReader(&stubReader{data: make([]byte, 8<<20)}, session, file, 16<<20, 64<<20, reg, "t1")
	reg.register("t1", active)
	reg.register("t1", idle)
	return reg, active, idle
}

func TestDormancyParksIdleReader(t *testing.T) {
	reg, active, idle := dormancyPair(t)

	idle.mu.Lock()
	idle.lastAccess = time.Now().Add(-2 * readerDormancyTimeout)
	idle.mu.Unlock()

	reg.enforceDormancy("t1", active)

	idle.mu.Lock()
	dormant := idle.dormant
	idle.mu.Unlock()
	if !dormant {
		t.Fatal("idle reader was not parked")
	}
}

func TestDormancyWakesOnRead(t *testing.T) {
	_, _, idle := dormancyPair(t)

	idle.mu.Lock()
	idle.enterDormancyLocked()
	idle.mu.Unlock()

	buf := make([]byte, 4096)
	if _, err := idle.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	idle.mu.Lock()
	dormant := idle.dormant
	idle.mu.Unlock()
	if dormant {
		t.Fatal("reader still dormant after a read")
	}
}

func TestDormancySkipsSingleReader(t *testing.T) {
	file := videoFile(1 << 30)
	session := &stubSession{files: []domain.FileRef{file}}
	reg := newReaderRegistry()

	only := newSlidingPriorityReader(&stubReader{data: make([]byte, 4096)}, session, file, 16<<20, 64<<20, reg, "t1")
	reg.register("t1", only)

	only.mu.Lock()
	only.lastAccess = time.Now().Add(-2 * readerDormancyTimeout)
	only.mu.Unlock()

	reg.enforceDormancy("t1", nil)

	only.mu.Lock()
	dormant := only.dormant
	only.mu.Unlock()
	if dormant {
		t.Fatal("sole reader must never be parked")
	}
}

package anacrolix

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

// ---------------------------------------------------------------------------
// defaultMaxConns
// ---------------------------------------------------------------------------

func TestDefaultMaxConnsIs35(t *testing.T) {
	if defaultMaxConns != 35 {
		t.Fatalf("defaultMaxConns = %d, want 35", defaultMaxConns)
	}
}

// ---------------------------------------------------------------------------
// mapPriority — 6-level mapping + unknown default
// ---------------------------------------------------------------------------

func TestMapPriority(t *testing.T) {
	tests := []struct {
		name string
		in   domain.Priority
		want torrent.PiecePriority
	}{
		{"None", domain.PriorityNone, torrent.PiecePriorityNone},
		{"Low", domain.PriorityLow, torrent.PiecePriorityNormal}, // Low maps to Normal (anacrolix has no Low)
		{"Normal", domain.PriorityNormal, torrent.PiecePriorityNormal},
		{"Readahead", domain.PriorityReadahead, torrent.PiecePriorityReadahead},
		{"Next", domain.PriorityNext, torrent.PiecePriorityNext},
		{"High", domain.PriorityHigh, torrent.PiecePriorityNow},
		{"UnknownFallsBackToNormal", domain.Priority(99), torrent.PiecePriorityNormal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapPriority(tc.in)
			if got != tc.want {
				t.Fatalf("mapPriority(%d) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Session eviction and listing
// ---------------------------------------------------------------------------

func newTestEngine() *Engine {
	return &Engine{
		sessions:      make(map[domain.TorrentID]*torrent.Torrent),
		paused:        make(map[domain.TorrentID]bool),
		speeds:        make(map[domain.TorrentID]speedSample),
		peakCompleted: make(map[domain.TorrentID]int64),
		lastAccess:    make(map[domain.TorrentID]time.Time),
		rateLimits:    make(map[domain.TorrentID]int64),
		limiters:      make(map[domain.TorrentID]*rate.Limiter),
	}
}

func TestEvictIdleSessionLocked_EmptySessions(t *testing.T) {
	e := newTestEngine()

	_, _, err := e.evictIdleSessionLocked()
	if err != ErrSessionLimitReached {
		t.Fatalf("expected ErrSessionLimitReached, got: %v", err)
	}
}

func TestEvictIdleSessionLocked_EvictsLRUPaused(t *testing.T) {
	e := newTestEngine()
	now := time.Now().UTC()

	e.sessions["id1"] = nil
	e.paused["id1"] = true
	e.lastAccess["id1"] = now.Add(-10 * time.Minute)

	e.sessions["id2"] = nil
	e.paused["id2"] = true
	e.lastAccess["id2"] = now.Add(-5 * time.Minute)

	e.sessions["id3"] = nil
	e.paused["id3"] = false
	e.lastAccess["id3"] = now.Add(-15 * time.Minute)

	_, evictedID, err := e.evictIdleSessionLocked()
	if err != nil {
		t.Fatal(err)
	}
	if evictedID != "id1" {
		t.Fatalf("evictedID = %q, want id1", evictedID)
	}
	if _, ok := e.sessions["id1"]; ok {
		t.Fatal("evicted session should be removed from sessions map")
	}
	if _, ok := e.paused["id1"]; ok {
		t.Fatal("evicted session should be removed from paused map")
	}
}

func TestEvictIdleSessionLocked_NoPausedSessions(t *testing.T) {
	e := newTestEngine()
	now := time.Now().UTC()

	e.sessions["active"] = nil
	e.paused["active"] = false
	e.lastAccess["active"] = now.Add(-30 * time.Minute)

	_, _, err := e.evictIdleSessionLocked()
	if err != ErrSessionLimitReached {
		t.Fatalf("expected ErrSessionLimitReached (no paused sessions to evict), got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Engine public API with nil client
// ---------------------------------------------------------------------------

func TestListSessions_Empty(t *testing.T) {
	e := newTestEngine()
	ids, err := e.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected 0 sessions, got %d", len(ids))
	}
}

func TestListSessions_ReturnsAll(t *testing.T) {
	e := newTestEngine()
	e.sessions["a"] = nil
	e.paused["a"] = false
	e.sessions["b"] = nil
	e.paused["b"] = true

	ids, err := e.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(ids))
	}
}

func TestListActiveSessions_ExcludesPaused(t *testing.T) {
	e := newTestEngine()
	e.sessions["active"] = nil
	e.paused["active"] = false
	e.sessions["paused"] = nil
	e.paused["paused"] = true

	ids, err := e.ListActiveSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "active" {
		t.Fatalf("expected only [active], got %v", ids)
	}
}

func TestSetDownloadRateLimit_UnknownSession(t *testing.T) {
	e := newTestEngine()

	err := e.SetDownloadRateLimit(context.Background(), "missing", 1024)
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
}

func TestGetDownloadRateLimit(t *testing.T) {
	e := newTestEngine()
	e.sessions["t1"] = nil
	e.rateLimits["t1"] = 5000

	if got := e.GetDownloadRateLimit("t1"); got != 5000 {
		t.Fatalf("rate limit = %d, want 5000", got)
	}
	if got := e.GetDownloadRateLimit("missing"); got != 0 {
		t.Fatalf("missing rate limit = %d, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Session struct
// ---------------------------------------------------------------------------

func TestSessionID(t *testing.T) {
	s := &Session{id: domain.TorrentID("abc123")}
	if s.ID() != "abc123" {
		t.Fatalf("ID() = %q, want abc123", s.ID())
	}
}

func TestSessionFilesReturnsDefensiveCopy(t *testing.T) {
	s := &Session{
		ready: true,
		files: []domain.FileRef{{Index: 0, Path: "test.mkv", Length: 1024}},
	}
	files := s.Files()
	if len(files) != 1 || files[0].Path != "test.mkv" {
		t.Fatalf("unexpected files: %v", files)
	}
	files[0].Path = "modified"
	if s.files[0].Path != "test.mkv" {
		t.Fatal("Files() should return a defensive copy")
	}
}

func TestSessionReadyNilTorrent(t *testing.T) {
	s := &Session{torrent: nil, ready: false}
	if s.Ready() {
		t.Fatal("Ready() should be false for nil torrent")
	}
}

func TestSessionSelectFileNilTorrent(t *testing.T) {
	s := &Session{torrent: nil, ready: false}
	_, err := s.SelectFile(0)
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
}

func TestSessionSelectFileOutOfRange(t *testing.T) {
	s := &Session{
		ready: true,
		files: []domain.FileRef{{Index: 0, Path: "a.mkv"}},
	}
	_, err := s.SelectFile(5)
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for out-of-range index, got: %v", err)
	}
	_, err = s.SelectFile(-1)
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for negative index, got: %v", err)
	}
}

func TestSessionSelectFileValid(t *testing.T) {
	s := &Session{
		ready: true,
		files: []domain.FileRef{
			{Index: 0, Path: "a.mkv", Length: 100},
			{Index: 1, Path: "b.mp4", Length: 200},
		},
	}
	f, err := s.SelectFile(1)
	if err != nil {
		t.Fatal(err)
	}
	if f.Path != "b.mp4" || f.Length != 200 {
		t.Fatalf("unexpected file: %+v", f)
	}
}

func TestSessionNewReaderNilTorrent(t *testing.T) {
	s := &Session{torrent: nil, ready: false}
	_, err := s.NewReader(domain.FileRef{Index: 0})
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
}

func TestSessionStartNilEngine(t *testing.T) {
	s := &Session{engine: nil, torrent: nil}
	err := s.Start()
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Interface conformance (comprehensive check)
// ---------------------------------------------------------------------------

func TestEngineImplementsPortsEngine(t *testing.T) {
	var _ ports.Engine = (*Engine)(nil)
}

func TestSessionImplementsPortsSession(t *testing.T) {
	var _ ports.Session = (*Session)(nil)
}

// ---------------------------------------------------------------------------
// Speed sampling edge cases
// ---------------------------------------------------------------------------

func TestSampleSpeedNegativeDeltaClamped(t *testing.T) {
	e := &Engine{speeds: make(map[domain.TorrentID]speedSample)}
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = e.sampleSpeed("t1", statsWithCounts(1000, 500), start)

	next := start.Add(1 * time.Second)
	download, upload := e.sampleSpeed("t1", statsWithCounts(50, 20), next)
	if download != 0 {
		t.Fatalf("download = %d, want 0 (negative delta should clamp to 0)", download)
	}
	if upload != 0 {
		t.Fatalf("upload = %d, want 0 (negative delta should clamp to 0)", upload)
	}
}

// ---------------------------------------------------------------------------
// Piece range helpers
// ---------------------------------------------------------------------------

func TestComputePieceRangeNilInputs(t *testing.T) {
	if _, ok := computePieceRange(nil, nil, domain.Range{Off: 0, Length: 10}); ok {
		t.Fatal("computePieceRange with nil torrent/file should return ok=false")
	}
}

func TestComputePieceRangeZeroLengthRange(t *testing.T) {
	if _, ok := computePieceRange(nil, nil, domain.Range{Length: 0}); ok {
		t.Fatal("zero-length range should return ok=false")
	}
}

// ---------------------------------------------------------------------------
// Close with nil client
// ---------------------------------------------------------------------------

func TestCloseNilClient(t *testing.T) {
	e := &Engine{}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() with nil client should succeed, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// touchLastAccess
// ---------------------------------------------------------------------------

func TestTouchLastAccess(t *testing.T) {
	e := newTestEngine()
	e.sessions["t1"] = nil
	before := time.Now().UTC()

	e.touchLastAccess("t1")

	after := time.Now().UTC()
	accessed := e.lastAccess["t1"]
	if accessed.Before(before) || accessed.After(after) {
		t.Fatalf("touchLastAccess time %v not between %v and %v", accessed, before, after)
	}
}

func TestTouchLastAccessMissing(t *testing.T) {
	e := newTestEngine()
	e.touchLastAccess("missing")
	if _, ok := e.lastAccess["missing"]; ok {
		t.Fatal("touchLastAccess should not create entry for missing session")
	}
}

package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"torrentstream/internal/domain"
)

const testHash = domain.TorrentID("0123456789abcdef0123456789abcdef01234567")

func testFiles() []domain.FileRef {
	return []domain.FileRef{
		{Index: 0, Path: "Show/episode.mkv", Length: 700 << 20, IsVideo: true},
		{Index: 1, Path: "Show/sample.mp4", Length: 30 << 20, IsVideo: true},
		{Index: 2, Path: "Show/readme.txt", Length: 1 << 10},
	}
}

func TestCreateTorrentAdmitsMagnet(t *testing.T) {
	engine := newStubEngine()
	engine.openID = testHash
	engine.addSession(testHash, testFiles())
	repo := newMemRepo()

	uc := CreateTorrent{Engine: engine, Repo: repo, WarmCacheBytes: 1 << 20, Now: func() time.Time { return time.Unix(1000, 0) }}
	res, err := uc.Execute(context.Background(), CreateTorrentInput{
		Source: domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:" + string(testHash)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Created {
		t.Fatal("expected Created=true for a fresh magnet")
	}
	if res.Record.ID != testHash {
		t.Fatalf("id = %s, want %s", res.Record.ID, testHash)
	}
	if res.Record.State != domain.StateWarmCaching {
		t.Fatalf("state = %s, want %s", res.Record.State, domain.StateWarmCaching)
	}
	if res.Record.VideoFileIndex != 0 {
		t.Fatalf("video file index = %d, want 0 (largest video)", res.Record.VideoFileIndex)
	}

	session := engine.sessions[testHash]
	if session.started == 0 {
		t.Fatal("session was not started")
	}
	if len(session.prios) == 0 {
		t.Fatal("warm cache set no piece priorities")
	}
}

func TestCreateTorrentIdempotent(t *testing.T) {
	engine := newStubEngine()
	engine.openID = testHash
	engine.addSession(testHash, testFiles())
	repo := newMemRepo()

	uc := CreateTorrent{Engine: engine, Repo: repo}
	input := CreateTorrentInput{Source: domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:" + string(testHash)}}

	first, err := uc.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := uc.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !first.Created || second.Created {
		t.Fatalf("created flags = %v, %v; want true, false", first.Created, second.Created)
	}
	if first.Record.ID != second.Record.ID {
		t.Fatalf("ids differ: %s vs %s", first.Record.ID, second.Record.ID)
	}
	if len(repo.records) != 1 {
		t.Fatalf("repo holds %d records, want 1", len(repo.records))
	}
}

func TestCreateTorrentRejectsBadSource(t *testing.T) {
	uc := CreateTorrent{Engine: newStubEngine(), Repo: newMemRepo()}

	if _, err := uc.Execute(context.Background(), CreateTorrentInput{}); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("empty source: err = %v, want ErrInvalidSource", err)
	}
	if _, err := uc.Execute(context.Background(), CreateTorrentInput{
		Source: domain.TorrentSource{Magnet: "http://example.com/file.torrent"},
	}); !errors.Is(err, domain.ErrInvalidMagnet) {
		t.Fatalf("non-magnet uri: err = %v, want ErrInvalidMagnet", err)
	}
}

func TestCreateTorrentMetadataTimeoutPassesThrough(t *testing.T) {
	engine := newStubEngine()
	engine.openErr = domain.ErrMetadataTimeout

	repo := newMemRepo()
	uc := CreateTorrent{Engine: engine, Repo: repo}
	_, err := uc.Execute(context.Background(), CreateTorrentInput{
		Source: domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:" + string(testHash)},
	})
	if !errors.Is(err, domain.ErrMetadataTimeout) {
		t.Fatalf("err = %v, want ErrMetadataTimeout", err)
	}
	if len(repo.records) != 0 {
		t.Fatal("timed-out admit must not register a record")
	}
}

func TestParseInfoHashLowercases(t *testing.T) {
	got := parseInfoHash("magnet:?xt=urn:btih:ABCDEF0123456789ABCDEF0123456789ABCDEF01&dn=x")
	if got != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("parseInfoHash = %s", got)
	}
}

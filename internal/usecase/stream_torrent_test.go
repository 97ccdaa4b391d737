package usecase

import (
	"context"
	"errors"
	"testing"

	"torrentstream/internal/domain"
)

func TestStreamTorrentResumesAndMarksStreaming(t *testing.T) {
	engine := newStubEngine()
	session := engine.addSession(testHash, testFiles())
	repo := newMemRepo()
	_ = repo.Create(context.Background(), domain.TorrentRecord{
		ID:    testHash,
		State: domain.StateIdle,
		Files: testFiles(),
	})

	uc := &StreamTorrent{Engine: engine, Repo: repo, Logger: discardLogger()}
	result, err := uc.Execute(context.Background(), testHash, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer result.Reader.Close()

	if session.started == 0 {
		t.Fatal("paused session was not resumed")
	}
	rec, _ := repo.Get(context.Background(), testHash)
	if rec.State != domain.StateStreaming {
		t.Fatalf("state = %s, want %s", rec.State, domain.StateStreaming)
	}
	if result.File.Index != 0 {
		t.Fatalf("file index = %d", result.File.Index)
	}
	if result.Reader == nil || result.ConsumptionRate == nil {
		t.Fatal("incomplete stream result")
	}
}

func TestStreamTorrentInvalidFileIndex(t *testing.T) {
	engine := newStubEngine()
	engine.addSession(testHash, testFiles())

	uc := &StreamTorrent{Engine: engine, Repo: newMemRepo(), Logger: discardLogger()}
	if _, err := uc.Execute(context.Background(), testHash, 99); !errors.Is(err, ErrInvalidFileIndex) {
		t.Fatalf("err = %v, want ErrInvalidFileIndex", err)
	}
}

func TestStreamTorrentUnknownTorrent(t *testing.T) {
	uc := &StreamTorrent{Engine: newStubEngine(), Repo: newMemRepo(), Logger: discardLogger()}
	if _, err := uc.Execute(context.Background(), "ffffffffffffffffffffffffffffffffffffffff", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStreamTorrentRefusesErrored(t *testing.T) {
	repo := newMemRepo()
	_ = repo.Create(context.Background(), domain.TorrentRecord{
		ID:    testHash,
		State: domain.StateErrored,
		Error: "tracker rejected us",
	})

	uc := &StreamTorrent{Engine: newStubEngine(), Repo: repo, Logger: discardLogger()}
	if _, err := uc.Execute(context.Background(), testHash, 0); !errors.Is(err, domain.ErrTorrentError) {
		t.Fatalf("err = %v, want ErrTorrentError", err)
	}
}

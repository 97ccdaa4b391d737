package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

const (
	defaultStreamReadahead         = 16 << 20
	priorityWindowMultiplier int64 = 4
	minPriorityWindowBytes   int64 = 32 << 20
	maxPriorityWindowBytes   int64 = 256 << 20
)

func streamPriorityWindow(readahead, fileLength int64) int64 {
	if readahead <= 0 {
		readahead = defaultStreamReadahead
	}
	window := readahead * priorityWindowMultiplier
	if window < minPriorityWindowBytes {
		window = minPriorityWindowBytes
	}
	// Scale up for large files: use 1% of file size if larger than base window.
	if fileLength > 0 {
		scaled := fileLength / 100
		if scaled > window {
			window = scaled
		}
	}
	if window > maxPriorityWindowBytes {
		window = maxPriorityWindowBytes
	}
	return window
}

type StreamResult struct {
	Reader          ports.StreamReader
	File            domain.FileRef
	ConsumptionRate func() float64 // EMA consumer read rate in bytes/sec; nil if unavailable
}

// StreamTorrent opens a prioritized reader over one file of a torrent. The
// session is resumed if the warm-cache pause left it dormant, the record
// moves to the streaming state, and the returned reader drags a sliding
// priority window behind every Read and Seek.
type StreamTorrent struct {
	Engine         ports.Engine
	Repo           ports.TorrentRepository
	Logger         *slog.Logger
	ReadaheadBytes int64

	readersOnce sync.Once
	readers     *readerRegistry
}

func (uc *StreamTorrent) getRegistry() *readerRegistry {
	uc.readersOnce.Do(func() {
		uc.readers = newReaderRegistry()
	})
	return uc.readers
}

func (uc *StreamTorrent) Execute(ctx context.Context, id domain.TorrentID, fileIndex int) (StreamResult, error) {
	if uc.Engine == nil {
		return StreamResult{}, errors.New("engine not configured")
	}

	session, err := uc.openSession(ctx, id)
	if err != nil {
		return StreamResult{}, err
	}

	// Wake the torrent if the warm-cache pause parked it.
	if err := session.Start(); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return StreamResult{}, wrapEngine(err)
	}
	uc.markStreaming(ctx, id)

	file, err := session.SelectFile(fileIndex)
	if err != nil {
		return StreamResult{}, ErrInvalidFileIndex
	}

	applyFilePriorityPolicy(session, file)

	readahead := uc.ReadaheadBytes
	if readahead <= 0 {
		readahead = defaultStreamReadahead
	}
	priorityWindow := streamPriorityWindow(readahead, file.Length)
	applyStartupGradient(session, file, priorityWindow)

	// Preload file tail for container headers (MP4 moov atoms, MKV SeekHead/Cues).
	// Players commonly seek to the file end first to read container metadata.
	const tailPreloadSize int64 = 16 << 20
	if file.Length > tailPreloadSize*2 {
		session.SetPiecePriority(file,
			domain.Range{Off: file.Length - tailPreloadSize, Length: tailPreloadSize},
			domain.PriorityReadahead)
	}

	reader, err := session.NewReader(file)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StreamResult{}, ErrInvalidFileIndex
		}
		return StreamResult{}, wrapEngine(err)
	}
	if reader == nil {
		return StreamResult{}, errors.New("stream reader not available")
	}

	reg := uc.getRegistry()
	spr := newSlidingPriorityReader(reader, session, file, readahead, priorityWindow, reg, id)
	reg.register(id, spr)
	spr.SetContext(ctx)

	// Use the full priority window as readahead so the torrent client
	// requests pieces well ahead of the current playback position.
	spr.SetReadahead(priorityWindow)

	return StreamResult{
		Reader:          spr,
		File:            file,
		ConsumptionRate: spr.EffectiveBytesPerSec,
	}, nil
}

// openSession finds the live session for id, reopening it from the stored
// source when the engine dropped it (e.g. after a restart).
func (uc *StreamTorrent) openSession(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	session, err := uc.Engine.GetSession(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, wrapEngine(err)
	}
	if uc.Repo == nil {
		return nil, err
	}

	record, repoErr := uc.Repo.Get(ctx, id)
	if repoErr != nil {
		if errors.Is(repoErr, domain.ErrNotFound) {
			return nil, repoErr
		}
		return nil, wrapRepo(repoErr)
	}
	if record.State == domain.StateRemoving {
		return nil, domain.ErrNotFound
	}
	if record.State == domain.StateErrored {
		return nil, domain.ErrTorrentError
	}

	session, err = openSessionFromRecord(ctx, uc.Engine, record)
	if err != nil {
		if errors.Is(err, errMissingSource) {
			return nil, domain.ErrNotFound
		}
		return nil, wrapEngine(err)
	}
	return session, nil
}

func (uc *StreamTorrent) markStreaming(ctx context.Context, id domain.TorrentID) {
	if uc.Repo == nil {
		return
	}
	record, err := uc.Repo.Get(ctx, id)
	if err != nil || !domain.CanTransition(record.State, domain.StateStreaming) {
		return
	}
	if err := uc.Repo.UpdateProgress(ctx, id, domain.ProgressUpdate{State: domain.StateStreaming}); err != nil && uc.Logger != nil {
		uc.Logger.Warn("stream: state update failed",
			slog.String("torrentId", string(id)),
			slog.String("error", err.Error()))
	}
}

// applyFilePriorityPolicy drops every non-selected file to no-download while
// ensuring the selected file stays at least normal priority.
func applyFilePriorityPolicy(session ports.Session, activeFile domain.FileRef) {
	files := session.Files()
	if len(files) <= 1 {
		return
	}

	for _, file := range files {
		if file.Length <= 0 {
			continue
		}
		if file.Index == activeFile.Index {
			continue
		}
		session.SetPiecePriority(file, domain.Range{Off: 0, Length: file.Length}, domain.PriorityNone)
	}

	if activeFile.Length > 0 {
		session.SetPiecePriority(activeFile, domain.Range{Off: 0, Length: activeFile.Length}, domain.PriorityNormal)
	}
}

// applyStartupGradient sets a graduated priority on the initial window instead
// of a flat PriorityHigh. The first 4 MB gets PriorityHigh so those pieces
// arrive fastest, then graduated bands so the torrent client focuses on the
// most urgent bytes first.
func applyStartupGradient(session ports.Session, file domain.FileRef, window int64) {
	const (
		startupHighBand int64 = 4 << 20 // 4 MB
		startupNextBand int64 = 4 << 20 // 4 MB
	)
	remaining := window

	h := startupHighBand
	if h > remaining {
		h = remaining
	}
	session.SetPiecePriority(file, domain.Range{Off: 0, Length: h}, domain.PriorityHigh)
	remaining -= h

	if remaining > 0 {
		n := startupNextBand
		if n > remaining {
			n = remaining
		}
		session.SetPiecePriority(file, domain.Range{Off: h, Length: n}, domain.PriorityNext)
		remaining -= n
	}
	if remaining > 0 {
		ra := remaining / 4
		if ra < startupHighBand {
			ra = remaining
		}
		if ra > remaining {
			ra = remaining
		}
		off := h + startupNextBand
		session.SetPiecePriority(file, domain.Range{Off: off, Length: ra}, domain.PriorityReadahead)
		remaining -= ra
	}
	if remaining > 0 {
		off := window - remaining
		session.SetPiecePriority(file, domain.Range{Off: off, Length: remaining}, domain.PriorityNormal)
	}
}

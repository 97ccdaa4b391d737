package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

const defaultWarmCacheBytes int64 = 20 << 20

// AlertLoop is the single long-running task that advances every torrent's
// state. Each tick it samples the engine's live view of each session and
// dispatches on what changed: metadata arrival starts the warm cache,
// warm-cache completion pauses the torrent, and errors are recorded.
// Besides admission and removal, torrent state is also written by the
// stream path (streaming) and by the reaper and boot-time restore (idle).
type AlertLoop struct {
	Engine         ports.Engine
	Repo           ports.TorrentRepository
	Logger         *slog.Logger
	Interval       time.Duration
	WarmCacheBytes int64
}

func (l AlertLoop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick drains the current engine state for every session and applies the
// resulting transitions. Exposed so tests can drive the loop synchronously.
func (l AlertLoop) Tick(ctx context.Context) {
	ids, err := l.Engine.ListSessions(ctx)
	if err != nil {
		l.Logger.Warn("alert loop: list sessions failed", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	records, err := l.Repo.GetMany(ctx, ids)
	if err != nil {
		l.Logger.Warn("alert loop: fetch records failed", slog.String("error", err.Error()))
		return
	}
	recordMap := make(map[domain.TorrentID]domain.TorrentRecord, len(records))
	for _, r := range records {
		recordMap[r.ID] = r
	}

	for _, id := range ids {
		record, ok := recordMap[id]
		if !ok || record.State == domain.StateRemoving {
			continue
		}

		state, err := l.Engine.GetSessionState(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			l.Logger.Warn("alert loop: get session state failed",
				slog.String("torrentId", string(id)),
				slog.String("error", err.Error()))
			continue
		}

		l.dispatch(ctx, record, state)
	}
}

func (l AlertLoop) dispatch(ctx context.Context, record domain.TorrentRecord, state domain.SessionState) {
	if state.Error != "" && record.State != domain.StateErrored {
		l.markErrored(ctx, record.ID, state.Error)
		return
	}

	switch record.State {
	case domain.StateMetadataPending:
		if len(state.Files) > 0 {
			l.onMetadata(ctx, record, state)
		}
	case domain.StateWarmCaching:
		l.onPieceProgress(ctx, record, state)
	}

	l.syncProgress(ctx, record, state)
}

// onMetadata fires once the info dictionary resolves: the file list is
// persisted, the video file is chosen, and the warm-cache program begins.
func (l AlertLoop) onMetadata(ctx context.Context, record domain.TorrentRecord, state domain.SessionState) {
	if !domain.CanTransition(record.State, domain.StateWarmCaching) {
		return
	}

	update := domain.ProgressUpdate{
		State:      domain.StateWarmCaching,
		Files:      state.Files,
		TotalBytes: sumFileLengths(state.Files),
	}
	if record.Name == "" {
		update.Name = deriveName(state.Files)
	}
	if err := l.Repo.UpdateProgress(ctx, record.ID, update); err != nil {
		l.Logger.Warn("alert loop: metadata update failed",
			slog.String("torrentId", string(record.ID)),
			slog.String("error", err.Error()))
		return
	}

	session, err := l.Engine.GetSession(ctx, record.ID)
	if err != nil {
		return
	}
	video, ok := PickVideoFile(state.Files)
	if !ok {
		// No video payload; download everything at uniform priority.
		ResetPriorities(session, state.Files)
		return
	}
	warmCache(session, state.Files, video, l.warmBytes())

	l.Logger.Info("metadata received, warm cache started",
		slog.String("torrentId", string(record.ID)),
		slog.String("video", video.Path),
		slog.Int64("warmBytes", l.warmBytes()),
	)
}

// onPieceProgress checks whether the leading bytes of the video file are
// complete; once they are, the boost is cleared and the torrent is paused
// until a stream request wakes it.
func (l AlertLoop) onPieceProgress(ctx context.Context, record domain.TorrentRecord, state domain.SessionState) {
	video, ok := PickVideoFile(state.Files)
	if !ok {
		return
	}

	target := l.warmBytes()
	if target > video.Length {
		target = video.Length
	}
	if video.BytesCompleted < target {
		return
	}
	if !domain.CanTransition(record.State, domain.StateIdle) {
		return
	}

	if session, err := l.Engine.GetSession(ctx, record.ID); err == nil {
		head := target
		if head > 0 {
			session.SetPiecePriority(video, domain.Range{Off: 0, Length: head}, domain.PriorityNormal)
		}
	}
	if err := l.Engine.StopSession(ctx, record.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		l.Logger.Warn("alert loop: pause after warm cache failed",
			slog.String("torrentId", string(record.ID)),
			slog.String("error", err.Error()))
	}
	if err := l.Repo.UpdateProgress(ctx, record.ID, domain.ProgressUpdate{State: domain.StateIdle}); err != nil {
		l.Logger.Warn("alert loop: idle transition failed",
			slog.String("torrentId", string(record.ID)),
			slog.String("error", err.Error()))
		return
	}

	l.Logger.Info("warm cache complete, torrent paused",
		slog.String("torrentId", string(record.ID)),
		slog.Int64("warmBytes", target),
	)
}

func (l AlertLoop) markErrored(ctx context.Context, id domain.TorrentID, message string) {
	if err := l.Repo.UpdateProgress(ctx, id, domain.ProgressUpdate{
		State: domain.StateErrored,
		Error: message,
	}); err != nil {
		l.Logger.Warn("alert loop: error transition failed",
			slog.String("torrentId", string(id)),
			slog.String("error", err.Error()))
		return
	}
	l.Logger.Error("torrent errored",
		slog.String("torrentId", string(id)),
		slog.String("torrentError", message),
	)
}

// syncProgress persists byte counters and per-file completion so status
// reads and restarts see fresh numbers without querying the engine.
func (l AlertLoop) syncProgress(ctx context.Context, record domain.TorrentRecord, state domain.SessionState) {
	if len(state.Files) == 0 {
		return
	}

	doneBytes := sumBytesCompleted(state.Files)
	update := domain.ProgressUpdate{DoneBytes: doneBytes}
	changed := doneBytes > record.DoneBytes

	if len(state.Files) != len(record.Files) {
		update.Files = state.Files
		update.TotalBytes = sumFileLengths(state.Files)
		changed = true
	} else {
		for i, sf := range state.Files {
			if sf.BytesCompleted > record.Files[i].BytesCompleted {
				update.Files = state.Files
				changed = true
				break
			}
		}
	}

	if !changed {
		return
	}
	if update.TotalBytes == 0 && record.TotalBytes > 0 {
		update.TotalBytes = record.TotalBytes
	}
	if err := l.Repo.UpdateProgress(ctx, record.ID, update); err != nil {
		l.Logger.Warn("alert loop: progress update failed",
			slog.String("torrentId", string(record.ID)),
			slog.String("error", err.Error()))
	}
}

func (l AlertLoop) warmBytes() int64 {
	if l.WarmCacheBytes > 0 {
		return l.WarmCacheBytes
	}
	return defaultWarmCacheBytes
}

func sumBytesCompleted(files []domain.FileRef) int64 {
	var total int64
	for _, f := range files {
		total += f.BytesCompleted
	}
	return total
}

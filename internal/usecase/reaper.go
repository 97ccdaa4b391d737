package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
	"torrentstream/internal/metrics"
)

// StreamSupervisor is the slice of the transmux supervisor the reaper and
// the removal path need: enumerating idle streams and tearing one down.
type StreamSupervisor interface {
	// IdleStreams returns the torrents whose stream has not been touched
	// for at least olderThan.
	IdleStreams(olderThan time.Duration) []domain.TorrentID
	// Reap terminates the encoder process for id and deletes its segment
	// directory. No-op when no stream is running.
	Reap(ctx context.Context, id domain.TorrentID) error
}

// Reaper periodically sweeps streams nobody is watching: the encoder is
// killed, its segments are deleted, the torrent is paused and parked idle.
// The reaper never deletes a torrent; only the removal path does that.
type Reaper struct {
	Supervisor StreamSupervisor
	Engine     ports.Engine
	Repo       ports.TorrentRepository
	Logger     *slog.Logger
	IdleAfter  time.Duration
	Interval   time.Duration
}

func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reaps every stream idle longer than IdleAfter. Exposed so tests can
// trigger a sweep without waiting out the ticker.
func (r Reaper) Sweep(ctx context.Context) {
	for _, id := range r.Supervisor.IdleStreams(r.IdleAfter) {
		r.Logger.Info("reaping idle stream",
			slog.String("torrentId", string(id)),
			slog.Duration("idleAfter", r.IdleAfter),
		)

		if err := r.Supervisor.Reap(ctx, id); err != nil {
			r.Logger.Warn("reaper: stream teardown failed",
				slog.String("torrentId", string(id)),
				slog.String("error", err.Error()))
			continue
		}
		metrics.ReaperEvictionsTotal.Inc()

		if session, err := r.Engine.GetSession(ctx, id); err == nil {
			ResetPriorities(session, session.Files())
		}
		if err := r.Engine.StopSession(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.Logger.Warn("reaper: pause failed",
				slog.String("torrentId", string(id)),
				slog.String("error", err.Error()))
		}
		if err := r.Repo.UpdateProgress(ctx, id, domain.ProgressUpdate{State: domain.StateIdle}); err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.Logger.Warn("reaper: idle transition failed",
				slog.String("torrentId", string(id)),
				slog.String("error", err.Error()))
		}
	}
}

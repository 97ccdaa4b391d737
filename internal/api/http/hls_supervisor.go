package apihttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
	"torrentstream/internal/metrics"
	"torrentstream/internal/usecase"
)

const (
	playlistName       = "stream.m3u8"
	segmentFilePattern = "segment%03d.ts"

	defaultSourceWaitTimeout   = 300 * time.Second
	defaultPlaylistWaitTimeout = 120 * time.Second
	defaultShutdownGrace       = 5 * time.Second

	// stderrTailLines is how much encoder output a transmux failure carries.
	stderrTailLines = 20
)

type HLSConfig struct {
	FFmpegPath          string
	BaseDir             string // segment root; one subdirectory per infohash
	DataDir             string // download root the encoder reads from
	SourceWaitTimeout   time.Duration
	PlaylistWaitTimeout time.Duration
	ShutdownGrace       time.Duration
}

func (c *HLSConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SourceWaitTimeout <= 0 {
		c.SourceWaitTimeout = defaultSourceWaitTimeout
	}
	if c.PlaylistWaitTimeout <= 0 {
		c.PlaylistWaitTimeout = defaultPlaylistWaitTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
}

// transmuxJob is one encoder process feeding one torrent's segment
// directory. ready is closed exactly once: either with err == nil and the
// playlist on disk, or with err set and the job already withdrawn.
type transmuxJob struct {
	id       domain.TorrentID
	dir      string
	playlist string

	ctx    context.Context
	cancel context.CancelFunc

	proc  *encoderProcess
	ready chan struct{}
	err   error

	lastAccess atomic.Int64 // unix nanos, reconciled by max
}

func (j *transmuxJob) touch(t time.Time) {
	now := t.UnixNano()
	for {
		prev := j.lastAccess.Load()
		if now <= prev {
			return
		}
		if j.lastAccess.CompareAndSwap(prev, now) {
			return
		}
	}
}

// hlsSupervisor owns the per-torrent transmux processes: spawn-once
// semantics under concurrent requests, playlist readiness, idle accounting
// for the reaper, and teardown. Processes belong to the torrent, never to a
// request; request cancellation does not stop them.
type hlsSupervisor struct {
	cfg    HLSConfig
	engine ports.Engine
	repo   ports.TorrentRepository
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[domain.TorrentID]*transmuxJob
}

func newHLSSupervisor(cfg HLSConfig, engine ports.Engine, repo ports.TorrentRepository, logger *slog.Logger) *hlsSupervisor {
	cfg.applyDefaults()
	return &hlsSupervisor{
		cfg:    cfg,
		engine: engine,
		repo:   repo,
		logger: logger,
		jobs:   make(map[domain.TorrentID]*transmuxJob),
	}
}

// EnsureRunning returns the playlist path for id, starting the encoder if
// none is running. Concurrent callers share a single spawn; a failed spawn
// is withdrawn so the next request can retry.
func (s *hlsSupervisor) EnsureRunning(ctx context.Context, id domain.TorrentID) (string, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		jobCtx, cancel := context.WithCancel(context.Background())
		job = &transmuxJob{
			id:     id,
			dir:    filepath.Join(s.cfg.BaseDir, string(id)),
			ctx:    jobCtx,
			cancel: cancel,
			ready:  make(chan struct{}),
		}
		job.playlist = filepath.Join(job.dir, playlistName)
		s.jobs[id] = job
		go s.run(job)
	}
	s.mu.Unlock()

	select {
	case <-job.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if job.err != nil {
		return "", job.err
	}
	job.touch(time.Now())
	return job.playlist, nil
}

// Lookup returns the running job for id, or nil when no ready stream
// exists. A non-nil result guarantees the playlist file exists: the job is
// only published ready after the playlist appeared on disk.
func (s *hlsSupervisor) Lookup(id domain.TorrentID) *transmuxJob {
	s.mu.Lock()
	job := s.jobs[id]
	s.mu.Unlock()
	if job == nil {
		return nil
	}
	select {
	case <-job.ready:
		if job.err != nil {
			return nil
		}
		return job
	default:
		return nil
	}
}

// Touch records a playlist or segment serve for id at t, keeping the stored
// access time monotone and mirroring it into the registry record.
func (s *hlsSupervisor) Touch(ctx context.Context, id domain.TorrentID, t time.Time) {
	if job := s.Lookup(id); job != nil {
		job.touch(t)
	}
	if s.repo != nil {
		if err := s.repo.TouchHLSAccess(ctx, id, t); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("hls access persist failed",
				slog.String("torrentId", string(id)),
				slog.String("error", err.Error()))
		}
	}
}

// IdleStreams returns torrents whose stream has served nothing for at least
// olderThan.
func (s *hlsSupervisor) IdleStreams(olderThan time.Duration) []domain.TorrentID {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []domain.TorrentID
	for id, job := range s.jobs {
		select {
		case <-job.ready:
		default:
			continue // still starting
		}
		if job.err == nil && job.lastAccess.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	return idle
}

// Reap tears a stream down: the encoder gets a graceful signal, then an
// unconditional kill, and the segment directory is deleted. No-op when no
// stream is running.
func (s *hlsSupervisor) Reap(ctx context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	job.cancel()
	<-job.ready
	if job.proc != nil {
		job.proc.Shutdown(s.cfg.ShutdownGrace)
	}
	if err := os.RemoveAll(job.dir); err != nil && !os.IsNotExist(err) {
		return err
	}

	if job.err == nil {
		metrics.HLSActiveJobs.Dec()
	}
	s.logger.Info("transmux reaped", slog.String("torrentId", string(id)))
	return nil
}

// Close reaps every running stream; used on shutdown.
func (s *hlsSupervisor) Close() {
	s.mu.Lock()
	ids := make([]domain.TorrentID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Reap(context.Background(), id)
	}
}

// run drives a job from spawn to ready. Any failure withdraws the job so a
// later request starts fresh; the torrent record itself is left alone so
// the stream can be retried.
func (s *hlsSupervisor) run(job *transmuxJob) {
	err := s.start(job)
	if err != nil {
		s.mu.Lock()
		if s.jobs[job.id] == job {
			delete(s.jobs, job.id)
		}
		s.mu.Unlock()
		if job.proc != nil && !job.proc.Exited() {
			job.proc.Kill()
		}
		_ = os.RemoveAll(job.dir)
		metrics.HLSJobFailuresTotal.Inc()
		s.logger.Error("transmux start failed",
			slog.String("torrentId", string(job.id)),
			slog.String("error", err.Error()))
	} else {
		metrics.HLSJobStartsTotal.Inc()
		metrics.HLSActiveJobs.Inc()
		job.touch(time.Now())
	}
	job.err = err
	close(job.ready)
}

func (s *hlsSupervisor) start(job *transmuxJob) error {
	ctx := job.ctx

	if s.repo == nil {
		return errors.New("repository not configured")
	}
	record, err := s.repo.Get(ctx, job.id)
	if err != nil {
		return err
	}
	switch {
	case record.State == domain.StateRemoving:
		return domain.ErrNotFound
	case record.State == domain.StateErrored:
		return fmt.Errorf("%w: %s", domain.ErrTorrentError, record.Error)
	case len(record.Files) == 0:
		return domain.ErrMetadataTimeout
	}

	video, ok := selectedVideo(record)
	if !ok {
		return fmt.Errorf("%w: torrent has no video file", domain.ErrUnsupported)
	}

	source, err := resolveDataFilePath(s.cfg.DataDir, video.Path)
	if err != nil {
		return err
	}

	// Wake the torrent and bias the swarm toward the file head so the
	// encoder has bytes to chew on as soon as it starts.
	if s.engine != nil {
		if session, sessErr := s.engine.GetSession(ctx, job.id); sessErr == nil {
			_ = session.Start()
			usecase.PrioritizeStreamStart(session, video)
		}
	}
	if domain.CanTransition(record.State, domain.StateStreaming) {
		if err := s.repo.UpdateProgress(ctx, job.id, domain.ProgressUpdate{State: domain.StateStreaming}); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("streaming transition failed",
				slog.String("torrentId", string(job.id)),
				slog.String("error", err.Error()))
		}
	}

	if err := waitForFile(ctx, source, s.cfg.SourceWaitTimeout); err != nil {
		return err
	}

	if err := os.MkdirAll(job.dir, 0o755); err != nil {
		return err
	}

	args := transmuxArgs(source, filepath.Join(job.dir, segmentFilePattern), job.playlist)
	proc, err := startEncoder(s.cfg.FFmpegPath, args, false)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransmuxFailed, err)
	}
	job.proc = proc

	s.logger.Info("transmux started",
		slog.String("torrentId", string(job.id)),
		slog.String("source", source),
		slog.String("playlist", job.playlist),
	)

	return s.waitForPlaylist(ctx, job)
}

// waitForFile polls for path to appear on disk; the swarm writes it, we
// only read.
func waitForFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", domain.ErrSourceFileTimeout, path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForPlaylist polls for the playlist the encoder writes; an early
// process exit surfaces the stderr tail instead of a bare timeout.
func (s *hlsSupervisor) waitForPlaylist(ctx context.Context, job *transmuxJob) error {
	deadline := time.Now().Add(s.cfg.PlaylistWaitTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(job.playlist); err == nil {
			return nil
		}
		if job.proc.Exited() {
			if exitErr := job.proc.Err(); exitErr != nil {
				return fmt.Errorf("%w: %v; %s", domain.ErrTransmuxFailed, exitErr,
					strings.Join(job.proc.TailStderr(stderrTailLines), " | "))
			}
			return fmt.Errorf("%w: encoder exited before producing a playlist", domain.ErrTransmuxFailed)
		}
		if time.Now().After(deadline) {
			job.proc.Shutdown(s.cfg.ShutdownGrace)
			return fmt.Errorf("%w: playlist did not appear in %s", domain.ErrTransmuxFailed, s.cfg.PlaylistWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// selectedVideo resolves the playback target recorded at admission, falling
// back to re-selection for records admitted before metadata arrived.
func selectedVideo(record domain.TorrentRecord) (domain.FileRef, bool) {
	if record.VideoFileIndex >= 0 && record.VideoFileIndex < len(record.Files) {
		f := record.Files[record.VideoFileIndex]
		if f.IsVideo {
			return f, true
		}
	}
	return usecase.PickVideoFile(record.Files)
}

// validSegmentName accepts only bare file names the encoder emits: no path
// separators, no dot-dot, and an extension we serve.
func validSegmentName(name string) bool {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, ".ts") || name == playlistName
}

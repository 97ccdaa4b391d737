package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

var ErrSessionNotFound = domain.ErrNotFound

// defaultMaxConns bounds peer connections per torrent; restored whenever a
// paused session resumes.
const defaultMaxConns = 35

// ErrSessionLimitReached is returned when the maximum number of sessions is
// reached and no idle session can be evicted.
var ErrSessionLimitReached = errors.New("session limit reached")

type Config struct {
	DataDir     string
	ListenPort  int           // swarm listen port on all interfaces; 0 = anacrolix default
	MaxConns    int           // established connection cap per torrent; 0 = library default
	MaxSessions int           // 0 = unlimited
	IdleTimeout time.Duration // reap sessions idle longer than this; 0 = disabled
}

// Engine is the anacrolix-backed implementation of ports.Engine: it owns the
// torrent.Client and exposes one Session per active infohash. It tracks only
// enough state to drive bandwidth policy (paused, rate limit, speed, LRU
// access); the authoritative TorrentState lifecycle lives in the registry
// and alert loop usecases, which sample GetSessionState to decide transitions.
type Engine struct {
	client *torrent.Client

	mu            sync.RWMutex
	sessions      map[domain.TorrentID]*torrent.Torrent
	paused        map[domain.TorrentID]bool
	peakCompleted map[domain.TorrentID]int64 // high-water mark for BytesCompleted
	lastAccess    map[domain.TorrentID]time.Time
	rateLimits    map[domain.TorrentID]int64

	speedMu sync.Mutex
	speeds  map[domain.TorrentID]speedSample

	limiterMu sync.Mutex
	limiters  map[domain.TorrentID]*rate.Limiter

	maxSessions  int
	idleTimeout  time.Duration
	reaperCancel context.CancelFunc
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	if cfg.MaxConns > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConns
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := newEngine(client, cfg.MaxSessions, cfg.IdleTimeout)

	if e.idleTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		e.reaperCancel = cancel
		go e.idleReaper(ctx)
	}

	return e, nil
}

func NewWithClient(client *torrent.Client) *Engine {
	return newEngine(client, 0, 0)
}

func newEngine(client *torrent.Client, maxSessions int, idleTimeout time.Duration) *Engine {
	return &Engine{
		client:        client,
		sessions:      make(map[domain.TorrentID]*torrent.Torrent),
		paused:        make(map[domain.TorrentID]bool),
		speeds:        make(map[domain.TorrentID]speedSample),
		peakCompleted: make(map[domain.TorrentID]int64),
		lastAccess:    make(map[domain.TorrentID]time.Time),
		rateLimits:    make(map[domain.TorrentID]int64),
		limiters:      make(map[domain.TorrentID]*rate.Limiter),
		maxSessions:   maxSessions,
		idleTimeout:   idleTimeout,
	}
}

// ---------------------------------------------------------------------------
// Pause / resume
// ---------------------------------------------------------------------------

// pauseTorrent stops all network activity for a torrent: no new data is
// requested or served and peers are disconnected.
func pauseTorrent(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

// resumeTorrent re-enables data transfer and peer connections and requests
// every piece at its current priority (pieces that were never boosted stay
// at Normal; the piece scheduler raises priorities for the active file).
func resumeTorrent(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.SetMaxEstablishedConns(defaultMaxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if torrentInfoReady(t) {
		t.DownloadAll()
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// addMagnetTimeout caps the time we wait for the anacrolix client to accept
// a magnet link or torrent file; AddMagnet can block on an internal client
// mutex when the client is busy resolving metadata for another torrent.
const (
	addMagnetTimeout    = 10 * time.Second
	metadataWaitTimeout = 30 * time.Second
)

func (e *Engine) Open(ctx context.Context, src domain.TorrentSource) (ports.Session, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if src.Magnet != "" {
			t, err = e.client.AddMagnet(src.Magnet)
		} else {
			t, err = e.client.AddTorrentFromFile(src.Torrent)
		}
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, fmt.Errorf("%w: torrent client busy", domain.ErrTorrentError)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}

	id := domain.TorrentID(t.InfoHash().HexString())

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.lastAccess[id] = time.Now().UTC()
		e.mu.Unlock()
		ready := torrentInfoReady(t)
		var files []domain.FileRef
		if ready {
			files = mapFiles(t)
		}
		return &Session{engine: e, torrent: t, id: id, files: files, ready: ready}, nil
	}

	var evictedTorrent *torrent.Torrent
	var evictedID domain.TorrentID
	if e.maxSessions > 0 && len(e.sessions) >= e.maxSessions {
		et, eid, err := e.evictIdleSessionLocked()
		if err != nil {
			e.mu.Unlock()
			t.Drop()
			return nil, ErrSessionLimitReached
		}
		evictedTorrent, evictedID = et, eid
	}

	e.sessions[id] = t
	e.paused[id] = false
	e.lastAccess[id] = time.Now().UTC()
	e.mu.Unlock()

	if evictedTorrent != nil {
		e.forgetSpeed(evictedID)
		e.forgetLimiter(evictedID)
		evictedTorrent.Drop()
	}

	// Block here for up to metadataWaitTimeout: the caller either gets a
	// ready session or ErrMetadataTimeout. If ctx ends first, the session is
	// returned without metadata and with a nil error.
	select {
	case <-t.GotInfo():
		files := mapFiles(t)
		return &Session{engine: e, torrent: t, id: id, files: files, ready: true}, nil
	case <-time.After(metadataWaitTimeout):
		e.mu.Lock()
		delete(e.sessions, id)
		delete(e.paused, id)
		delete(e.peakCompleted, id)
		delete(e.lastAccess, id)
		delete(e.rateLimits, id)
		e.mu.Unlock()
		e.forgetSpeed(id)
		e.forgetLimiter(id)
		t.Drop()
		return nil, domain.ErrMetadataTimeout
	case <-ctx.Done():
		return &Session{engine: e, torrent: t, id: id, files: nil, ready: false}, nil
	}
}

func (e *Engine) Close() error {
	if e.reaperCancel != nil {
		e.reaperCancel()
	}
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// idleReaper periodically pauses sessions that have not been accessed in
// idleTimeout. Capacity control only; the stream-level reaper that kills
// transmuxers and parks idle torrents lives in the usecase layer.
func (e *Engine) idleReaper(ctx context.Context) {
	interval := e.idleTimeout / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapIdleSessions()
		}
	}
}

func (e *Engine) reapIdleSessions() {
	now := time.Now().UTC()

	e.mu.RLock()
	var candidates []domain.TorrentID
	for id, paused := range e.paused {
		if paused {
			continue
		}
		accessed := e.lastAccess[id]
		if !accessed.IsZero() && now.Sub(accessed) > e.idleTimeout {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range candidates {
		slog.Info("reaping idle session",
			slog.String("torrentId", string(id)),
			slog.Duration("idleTimeout", e.idleTimeout),
		)
		_ = e.StopSession(context.Background(), id)
	}
}

func (e *Engine) GetSessionState(ctx context.Context, id domain.TorrentID) (domain.SessionState, error) {
	t := e.getTorrent(id)
	if t == nil {
		return domain.SessionState{}, ErrSessionNotFound
	}

	e.touchLastAccess(id)

	e.mu.RLock()
	paused := e.paused[id]
	e.mu.RUnlock()

	if !torrentInfoReady(t) {
		stats := t.Stats()
		return domain.SessionState{
			ID:        id,
			State:     domain.StateMetadataPending,
			Peers:     stats.ActivePeers,
			Paused:    paused,
			UpdatedAt: time.Now().UTC(),
		}, nil
	}

	length := t.Length()
	completed := t.BytesCompleted()

	// High-water mark: after a restart anacrolix re-verifies pieces from
	// disk and BytesCompleted() can temporarily dip below the prior peak.
	e.mu.Lock()
	if completed > e.peakCompleted[id] {
		e.peakCompleted[id] = completed
	} else {
		completed = e.peakCompleted[id]
	}
	e.mu.Unlock()

	progress := float64(0)
	if length > 0 {
		progress = float64(completed) / float64(length)
	}

	stats := t.Stats()
	downloadSpeed, uploadSpeed := e.sampleSpeed(id, stats, time.Now().UTC())

	state := domain.StateWarmCaching
	if paused {
		state = domain.StateIdle
	}

	return domain.SessionState{
		ID:            id,
		State:         state,
		Progress:      progress,
		Peers:         stats.ActivePeers,
		DownloadSpeed: downloadSpeed,
		UploadSpeed:   uploadSpeed,
		Files:         mapFiles(t),
		NumPieces:     t.NumPieces(),
		Paused:        paused,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (e *Engine) GetSession(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	t := e.getTorrent(id)
	if t == nil {
		return nil, ErrSessionNotFound
	}
	e.touchLastAccess(id)
	ready := torrentInfoReady(t)
	var files []domain.FileRef
	if ready {
		files = mapFiles(t)
	}
	return &Session{engine: e, torrent: t, id: id, files: files, ready: ready}, nil
}

func (e *Engine) ListActiveSessions(ctx context.Context) ([]domain.TorrentID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]domain.TorrentID, 0, len(e.sessions))
	for id, paused := range e.paused {
		if paused {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) ListSessions(ctx context.Context) ([]domain.TorrentID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]domain.TorrentID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) StopSession(ctx context.Context, id domain.TorrentID) error {
	t := e.getTorrent(id)
	if t == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	e.paused[id] = true
	e.mu.Unlock()

	pauseTorrent(t)
	return nil
}

func (e *Engine) StartSession(ctx context.Context, id domain.TorrentID) error {
	t := e.getTorrent(id)
	if t == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	e.paused[id] = false
	e.mu.Unlock()

	resumeTorrent(t)
	return nil
}

func (e *Engine) RemoveSession(ctx context.Context, id domain.TorrentID) error {
	t := e.getTorrent(id)
	if t == nil {
		return ErrSessionNotFound
	}
	return e.dropTorrent(id, t)
}

func (e *Engine) SetPiecePriority(ctx context.Context, id domain.TorrentID, file domain.FileRef, r domain.Range, prio domain.Priority) error {
	t := e.getTorrent(id)
	if t == nil {
		return ErrSessionNotFound
	}

	e.mu.RLock()
	paused := e.paused[id]
	e.mu.RUnlock()
	if paused {
		return nil
	}

	if !torrentInfoReady(t) {
		return nil
	}
	files := t.Files()
	if file.Index < 0 || file.Index >= len(files) {
		return ErrSessionNotFound
	}
	e.applyPiecePriority(t, file, r, prio)
	return nil
}

func (e *Engine) SetDownloadRateLimit(ctx context.Context, id domain.TorrentID, bytesPerSec int64) error {
	t := e.getTorrent(id)
	if t == nil {
		return ErrSessionNotFound
	}
	_ = t

	e.mu.Lock()
	prev := e.rateLimits[id]
	if bytesPerSec <= 0 {
		delete(e.rateLimits, id)
	} else {
		e.rateLimits[id] = bytesPerSec
	}
	e.mu.Unlock()

	e.limiterMu.Lock()
	if bytesPerSec <= 0 {
		delete(e.limiters, id)
	} else {
		burst := int(bytesPerSec)
		if burst < 16*1024 {
			burst = 16 * 1024
		}
		e.limiters[id] = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	e.limiterMu.Unlock()

	if prev != bytesPerSec {
		slog.Info("download rate limit changed",
			slog.String("torrentId", string(id)),
			slog.Int64("prevBytesPerSec", prev),
			slog.Int64("newBytesPerSec", bytesPerSec),
		)
	}
	return nil
}

// GetDownloadRateLimit returns the current download rate limit for a torrent
// in bytes/sec. Returns 0 if no limit is set.
func (e *Engine) GetDownloadRateLimit(id domain.TorrentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rateLimits[id]
}

// limiter returns the rate limiter for id, or nil if unlimited.
func (e *Engine) limiter(id domain.TorrentID) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	return e.limiters[id]
}

func (e *Engine) forgetLimiter(id domain.TorrentID) {
	e.limiterMu.Lock()
	delete(e.limiters, id)
	e.limiterMu.Unlock()
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) getTorrent(id domain.TorrentID) *torrent.Torrent {
	e.mu.RLock()
	t := e.sessions[id]
	e.mu.RUnlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.Closed():
		_ = e.dropTorrent(id, t)
		return nil
	default:
		return t
	}
}

func (e *Engine) dropTorrent(id domain.TorrentID, t *torrent.Torrent) error {
	e.mu.Lock()
	delete(e.sessions, id)
	delete(e.paused, id)
	delete(e.peakCompleted, id)
	delete(e.lastAccess, id)
	delete(e.rateLimits, id)
	e.mu.Unlock()

	e.forgetSpeed(id)
	e.forgetLimiter(id)
	if t != nil {
		t.Drop()
	}
	// Return memory to the OS promptly; without this Go's GC can hold freed
	// memory for a long time, causing OOM on memory-constrained hosts.
	freeOSMemory()
	return nil
}

func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		length := f.Length()
		done := f.BytesCompleted()
		progress := float64(0)
		if length > 0 {
			progress = float64(done) / float64(length)
		}
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         length,
			BytesCompleted: done,
			Progress:       progress,
			IsVideo:        domain.IsVideoPath(f.Path()),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (e *Engine) sampleSpeed(id domain.TorrentID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	download := int64(float64(deltaRead) / dt)
	upload := int64(float64(deltaWritten) / dt)
	return download, upload
}

func (e *Engine) forgetSpeed(id domain.TorrentID) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}

// touchLastAccess updates the last-access timestamp for the given session.
func (e *Engine) touchLastAccess(id domain.TorrentID) {
	e.mu.Lock()
	if _, ok := e.sessions[id]; ok {
		e.lastAccess[id] = time.Now().UTC()
	}
	e.mu.Unlock()
}

// evictIdleSessionLocked removes the least-recently-used paused session to
// make room for a new one. Caller must hold e.mu write lock.
func (e *Engine) evictIdleSessionLocked() (*torrent.Torrent, domain.TorrentID, error) {
	var evictID domain.TorrentID
	var evictTime time.Time
	found := false

	for id, paused := range e.paused {
		if !paused {
			continue
		}
		accessed := e.lastAccess[id]
		if !found || accessed.Before(evictTime) {
			evictID = id
			evictTime = accessed
			found = true
		}
	}

	if !found {
		return nil, "", ErrSessionLimitReached
	}

	t := e.sessions[evictID]
	delete(e.sessions, evictID)
	delete(e.paused, evictID)
	delete(e.peakCompleted, evictID)
	delete(e.lastAccess, evictID)
	delete(e.rateLimits, evictID)

	return t, evictID, nil
}

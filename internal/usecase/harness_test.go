package usecase

import (
	"context"
	"io"
	"sync"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

// ---------------------------------------------------------------------------
// Shared fakes
// ---------------------------------------------------------------------------

type prioRec struct {
	file domain.FileRef
	rng  domain.Range
	prio domain.Priority
}

type stubReader struct {
	ctx       context.Context
	readahead int64
	pos       int64
	data      []byte
	closed    bool
}

func (r *stubReader) SetContext(ctx context.Context) { r.ctx = ctx }
func (r *stubReader) SetReadahead(n int64)           { r.readahead = n }
func (r *stubReader) SetResponsive()                 {}
func (r *stubReader) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}
func (r *stubReader) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = off
	case io.SeekCurrent:
		r.pos += off
	case io.SeekEnd:
		r.pos = int64(len(r.data)) + off
	}
	if r.pos < 0 {
		r.pos = 0
	}
	return r.pos, nil
}
func (r *stubReader) Close() error {
	r.closed = true
	return nil
}

type stubSession struct {
	id      domain.TorrentID
	files   []domain.FileRef
	reader  *stubReader
	started int
	stopped int
	prios   []prioRec
}

func (s *stubSession) ID() domain.TorrentID { return s.id }
func (s *stubSession) Files() []domain.FileRef {
	return append([]domain.FileRef(nil), s.files...)
}
func (s *stubSession) SelectFile(index int) (domain.FileRef, error) {
	if index < 0 || index >= len(s.files) {
		return domain.FileRef{}, domain.ErrNotFound
	}
	return s.files[index], nil
}
func (s *stubSession) SetPiecePriority(f domain.FileRef, r domain.Range, p domain.Priority) {
	s.prios = append(s.prios, prioRec{file: f, rng: r, prio: p})
}
func (s *stubSession) Start() error { s.started++; return nil }
func (s *stubSession) Stop() error  { s.stopped++; return nil }
func (s *stubSession) NewReader(file domain.FileRef) (ports.StreamReader, error) {
	if s.reader == nil {
		s.reader = &stubReader{data: make([]byte, 4096)}
	}
	return s.reader, nil
}

type stubEngine struct {
	mu       sync.Mutex
	sessions map[domain.TorrentID]*stubSession
	states   map[domain.TorrentID]domain.SessionState
	openErr  error
	openID   domain.TorrentID
	stopped  []domain.TorrentID
	started  []domain.TorrentID
	removed  []domain.TorrentID
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		sessions: make(map[domain.TorrentID]*stubSession),
		states:   make(map[domain.TorrentID]domain.SessionState),
	}
}

func (e *stubEngine) addSession(id domain.TorrentID, files []domain.FileRef) *stubSession {
	s := &stubSession{id: id, files: files}
	e.sessions[id] = s
	return s
}

func (e *stubEngine) Open(ctx context.Context, src domain.TorrentSource) (ports.Session, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	if s, ok := e.sessions[e.openID]; ok {
		return s, nil
	}
	return e.addSession(e.openID, nil), nil
}

func (e *stubEngine) Close() error { return nil }

func (e *stubEngine) GetSessionState(ctx context.Context, id domain.TorrentID) (domain.SessionState, error) {
	st, ok := e.states[id]
	if !ok {
		return domain.SessionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (e *stubEngine) GetSession(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (e *stubEngine) ListActiveSessions(ctx context.Context) ([]domain.TorrentID, error) {
	return e.ListSessions(ctx)
}

func (e *stubEngine) ListSessions(ctx context.Context) ([]domain.TorrentID, error) {
	ids := make([]domain.TorrentID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *stubEngine) StopSession(ctx context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	e.stopped = append(e.stopped, id)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) StartSession(ctx context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	e.started = append(e.started, id)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) RemoveSession(ctx context.Context, id domain.TorrentID) error {
	if _, ok := e.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(e.sessions, id)
	e.removed = append(e.removed, id)
	return nil
}

func (e *stubEngine) SetPiecePriority(ctx context.Context, id domain.TorrentID, file domain.FileRef, r domain.Range, prio domain.Priority) error {
	s, ok := e.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.SetPiecePriority(file, r, prio)
	return nil
}

func (e *stubEngine) SetDownloadRateLimit(ctx context.Context, id domain.TorrentID, bytesPerSec int64) error {
	return nil
}

var _ ports.Engine = (*stubEngine)(nil)

type memRepo struct {
	mu      sync.Mutex
	records map[domain.TorrentID]domain.TorrentRecord
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[domain.TorrentID]domain.TorrentRecord)}
}

func (r *memRepo) Create(ctx context.Context, t domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[t.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.records[t.ID] = t
	return nil
}

func (r *memRepo) Update(ctx context.Context, t domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[t.ID]; !ok {
		return domain.ErrNotFound
	}
	r.records[t.ID] = t
	return nil
}

func (r *memRepo) UpdateProgress(ctx context.Context, id domain.TorrentID, update domain.ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if update.DoneBytes > rec.DoneBytes {
		rec.DoneBytes = update.DoneBytes
	}
	if update.State != "" {
		rec.State = update.State
	}
	if update.Error != "" {
		rec.Error = update.Error
	}
	if len(update.Files) > 0 {
		rec.Files = update.Files
	}
	if update.TotalBytes > 0 {
		rec.TotalBytes = update.TotalBytes
	}
	if update.Name != "" {
		rec.Name = update.Name
	}
	rec.UpdatedAt = time.Now().UTC()
	r.records[id] = rec
	return nil
}

func (r *memRepo) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.TorrentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *memRepo) List(ctx context.Context, filter domain.TorrentFilter) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TorrentRecord, 0, len(r.records))
	for _, rec := range r.records {
		if filter.State != nil && rec.State != *filter.State {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepo) GetMany(ctx context.Context, ids []domain.TorrentID) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TorrentRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) Delete(ctx context.Context, id domain.TorrentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *memRepo) UpdateTags(ctx context.Context, id domain.TorrentID, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Tags = tags
	r.records[id] = rec
	return nil
}

func (r *memRepo) TouchHLSAccess(ctx context.Context, id domain.TorrentID, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.After(rec.HLSLastAccessedAt) {
		rec.HLSLastAccessedAt = t
		r.records[id] = rec
	}
	return nil
}

var _ ports.TorrentRepository = (*memRepo)(nil)

type stubSupervisor struct {
	mu     sync.Mutex
	idle   []domain.TorrentID
	reaped []domain.TorrentID
}

func (s *stubSupervisor) IdleStreams(olderThan time.Duration) []domain.TorrentID {
	return append([]domain.TorrentID(nil), s.idle...)
}

func (s *stubSupervisor) Reap(ctx context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	s.reaped = append(s.reaped, id)
	s.mu.Unlock()
	return nil
}

package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/usecase"
)

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createTorrentRequest struct {
	MagnetLink string `json:"magnet_link"`
	Name       string `json:"name,omitempty"`
}

type createTorrentResponse struct {
	Message   string `json:"message"`
	TorrentID string `json:"torrent_id"`
}

func (s *Server) handleCreateTorrent(w http.ResponseWriter, r *http.Request) {
	if s.createTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "create torrent use case not configured")
		return
	}

	var body createTorrentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	input := usecase.CreateTorrentInput{
		Source: domain.TorrentSource{Magnet: strings.TrimSpace(body.MagnetLink)},
		Name:   strings.TrimSpace(body.Name),
	}

	// The admit path blocks until the handle reports a valid infohash or
	// the metadata timeout fires; cap the handler a little above that.
	ctx, cancel := context.WithTimeout(r.Context(), 45*time.Second)
	defer cancel()

	result, err := s.createTorrent.Execute(ctx, input)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	message := "torrent added"
	if !result.Created {
		message = "torrent already added"
	}
	writeJSON(w, http.StatusAccepted, createTorrentResponse{
		Message:   message,
		TorrentID: string(result.Record.ID),
	})
}

// torrentFileStatus is the per-file slice of a status response.
type torrentFileStatus struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	IsVideo  bool    `json:"is_video"`
}

// torrentStatus is the public status shape: progress in percent, rates in
// KB/s, infohash always lowercase hex.
type torrentStatus struct {
	Hash         string              `json:"hash"`
	Name         string              `json:"name"`
	Status       string              `json:"status"`
	Progress     float64             `json:"progress"`
	DownloadRate float64             `json:"download_rate"`
	UploadRate   float64             `json:"upload_rate"`
	NumPeers     int                 `json:"num_peers"`
	Files        []torrentFileStatus `json:"files"`
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "repository not configured")
		return
	}

	statuses, err := s.collectStatuses(r.Context())
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) collectStatuses(ctx context.Context) ([]torrentStatus, error) {
	records, err := s.repo.List(ctx, domain.TorrentFilter{})
	if err != nil {
		return nil, err
	}
	statuses := make([]torrentStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, s.buildStatus(ctx, record))
	}
	return statuses, nil
}

// buildStatus merges the persisted record with the engine's live view when
// a session is attached; paused or restored torrents fall back to the
// stored counters.
func (s *Server) buildStatus(ctx context.Context, record domain.TorrentRecord) torrentStatus {
	status := torrentStatus{
		Hash:     strings.ToLower(string(record.ID)),
		Name:     record.Name,
		Status:   string(record.State),
		Progress: progressPercent(record.DoneBytes, record.TotalBytes),
		Files:    make([]torrentFileStatus, 0, len(record.Files)),
	}

	files := record.Files
	if s.getState != nil {
		if live, err := s.getState.Execute(ctx, record.ID); err == nil {
			status.DownloadRate = float64(live.DownloadSpeed) / 1024
			status.UploadRate = float64(live.UploadSpeed) / 1024
			status.NumPeers = live.Peers
			if live.Progress > 0 {
				status.Progress = live.Progress * 100
			}
			if len(live.Files) > 0 {
				files = live.Files
			}
		}
	}

	// Fully downloaded torrents surface the seeding posture regardless of
	// their lifecycle state.
	if record.TotalBytes > 0 && record.DoneBytes >= record.TotalBytes &&
		record.State != domain.StateRemoving && record.State != domain.StateErrored {
		status.Status = "seeding"
		status.Progress = 100
	}

	for _, f := range files {
		status.Files = append(status.Files, torrentFileStatus{
			Name:     f.Path,
			Size:     f.Length,
			Progress: f.Progress * 100,
			IsVideo:  f.IsVideo,
		})
	}
	return status
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/api/torrents/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	id := strings.ToLower(parts[0])

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetTorrent(w, r, id)
		case http.MethodDelete:
			s.handleDeleteTorrent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "state":
		s.handleGetTorrentState(w, r, id)
	case len(parts) == 3 && parts[1] == "media":
		s.handleMediaInfo(w, r, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, id string) {
	if s.repo == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "repository not configured")
		return
	}
	record, err := s.repo.Get(r.Context(), domain.TorrentID(id))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.buildStatus(r.Context(), record))
}

func (s *Server) handleGetTorrentState(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.getState == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "state use case not configured")
		return
	}
	state, err := s.getState.Execute(r.Context(), domain.TorrentID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteTorrent(w http.ResponseWriter, r *http.Request, id string) {
	if s.deleteTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "delete torrent use case not configured")
		return
	}
	if err := s.deleteTorrent.Execute(r.Context(), domain.TorrentID(id), true); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "torrent removed"})
}

// handleMediaInfo probes one file of the torrent with the external prober.
// Probing an incomplete file is allowed; failures degrade to an empty track
// list so the caller can fall back to default playback.
func (s *Server) handleMediaInfo(w http.ResponseWriter, r *http.Request, id string, indexRaw string) {
	const probeTimeout = 5 * time.Second

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.repo == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "repository not configured")
		return
	}

	fileIndex, err := strconv.Atoi(indexRaw)
	if err != nil || fileIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
		return
	}

	record, err := s.repo.Get(r.Context(), domain.TorrentID(id))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if fileIndex >= len(record.Files) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
		return
	}

	empty := domain.MediaInfo{Tracks: []domain.MediaTrack{}}
	if s.mediaProbe == nil || s.dataDir == "" {
		writeJSON(w, http.StatusOK, empty)
		return
	}

	filePath, err := resolveDataFilePath(s.dataDir, record.Files[fileIndex].Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file path")
		return
	}

	probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	info, err := s.mediaProbe.Probe(probeCtx, filePath)
	if err != nil {
		writeJSON(w, http.StatusOK, empty)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type healthResponse struct {
	Status         string `json:"status"`
	DownloadPath   string `json:"download_path"`
	HLSPath        string `json:"hls_path"`
	DownloadExists bool   `json:"download_exists"`
	HLSExists      bool   `json:"hls_exists"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		DownloadPath:   s.dataDir,
		HLSPath:        s.hlsDir,
		DownloadExists: dirExists(s.dataDir),
		HLSExists:      dirExists(s.hlsDir),
	})
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func progressPercent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

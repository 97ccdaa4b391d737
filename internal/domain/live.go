package domain

import "time"

// SessionState is the engine's live view of a torrent, sampled by the
// Alert Loop on every tick and by the Registry on demand.
type SessionState struct {
	ID            TorrentID    `json:"id"`
	State         TorrentState `json:"state"`
	Progress      float64      `json:"progress"`
	Peers         int          `json:"peers"`
	DownloadSpeed int64        `json:"downloadSpeed"`
	UploadSpeed   int64        `json:"uploadSpeed"`
	Files         []FileRef    `json:"files,omitempty"`
	NumPieces     int          `json:"numPieces,omitempty"`
	// Paused reports whether the piece scheduler has disallowed data
	// transfer for this session (warm cache finished, no active reader).
	Paused    bool      `json:"paused,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

package domain

import (
	"path/filepath"
	"strings"
)

type FileRef struct {
	Index          int     `json:"index"`
	Path           string  `json:"path"`
	Length         int64   `json:"length"`
	BytesCompleted int64   `json:"bytesCompleted"`
	Progress       float64 `json:"progress"`
	IsVideo        bool    `json:"isVideo"`
	Priority       string  `json:"priority,omitempty"`
	PieceStart     int     `json:"pieceStart,omitempty"` // inclusive
	PieceEnd       int     `json:"pieceEnd,omitempty"`   // exclusive
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
}

// IsVideoPath reports whether path has a recognized video extension.
func IsVideoPath(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnsupported       = errors.New("unsupported operation")
	ErrInvalidMagnet     = errors.New("invalid magnet uri")
	ErrMetadataTimeout   = errors.New("timed out waiting for torrent metadata")
	ErrSourceFileTimeout = errors.New("timed out waiting for source file to become available")
	ErrTransmuxFailed    = errors.New("transmux process failed")
	ErrTorrentError      = errors.New("torrent entered an errored state")
)

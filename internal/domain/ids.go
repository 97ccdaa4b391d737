package domain

// TorrentID is the Registry's primary key: 40 lowercase hex characters
// (the v1 infohash). It doubles as the engine session handle key.
type TorrentID string

// InfoHash is the reported infohash string, always rendered lowercase hex.
type InfoHash string

// TorrentSource is the admission input for a torrent. Exactly one of
// Magnet or Torrent must be set.
type TorrentSource struct {
	Magnet  string `json:"magnet,omitempty"`
	Torrent string `json:"torrent,omitempty"` // path to a .torrent file
}

// Range is a byte interval within a file, used to translate playback
// intent into piece priorities.
type Range struct {
	Off    int64
	Length int64
}

package domain

// ProgressUpdate carries the fields the Alert Loop is allowed to change
// on a TorrentRecord after admission. Zero-value fields are left
// untouched by the repository's partial update.
type ProgressUpdate struct {
	DoneBytes  int64
	State      TorrentState
	Error      string
	Files      []FileRef
	TotalBytes int64
	Name       string
}

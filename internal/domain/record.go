package domain

import "time"

type TorrentRecord struct {
	ID                TorrentID    `json:"id"`
	Name              string       `json:"name"`
	State             TorrentState `json:"state"`
	Error             string       `json:"error,omitempty"`
	InfoHash          InfoHash     `json:"infoHash"`
	Source            TorrentSource `json:"-"`
	Files             []FileRef    `json:"files"`
	TotalBytes        int64        `json:"totalBytes"`
	DoneBytes         int64        `json:"doneBytes"`
	VideoFileIndex    int          `json:"videoFileIndex"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	HLSLastAccessedAt time.Time    `json:"hlsLastAccessedAt,omitempty"`
	Tags              []string    `json:"tags"`
}

package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"torrentstream/internal/domain"
	"torrentstream/internal/domain/ports"
)

var ErrInvalidSource = errors.New("invalid torrent source")

// CreateTorrent admits a magnet (or .torrent file) into the registry. The
// engine blocks until the handle reports a valid infohash or the metadata
// timeout elapses; an infohash that is already registered is returned as-is
// with Created=false.
type CreateTorrent struct {
	Engine         ports.Engine
	Repo           ports.TorrentRepository
	WarmCacheBytes int64
	Now            func() time.Time
}

type CreateTorrentInput struct {
	Source domain.TorrentSource
	Name   string
}

type CreateTorrentResult struct {
	Record  domain.TorrentRecord
	Created bool
}

func (uc CreateTorrent) Execute(ctx context.Context, input CreateTorrentInput) (CreateTorrentResult, error) {
	if err := validateSource(input.Source); err != nil {
		return CreateTorrentResult{}, err
	}

	now := time.Now
	if uc.Now != nil {
		now = uc.Now
	}

	session, err := uc.Engine.Open(ctx, input.Source)
	if err != nil {
		if errors.Is(err, domain.ErrMetadataTimeout) {
			return CreateTorrentResult{}, err
		}
		return CreateTorrentResult{}, wrapEngine(err)
	}

	// Same infohash admitted twice: return the existing record instead of
	// failing with a duplicate key error.
	existing, getErr := uc.Repo.Get(ctx, session.ID())
	if getErr == nil {
		return CreateTorrentResult{Record: existing, Created: false}, nil
	}

	files := session.Files()
	state := domain.StateMetadataPending
	videoIndex := -1
	if len(files) > 0 {
		state = domain.StateWarmCaching
		if err := session.Start(); err != nil {
			return CreateTorrentResult{}, wrapEngine(err)
		}
		if video, ok := PickVideoFile(files); ok {
			videoIndex = video.Index
			warmCache(session, files, video, uc.warmBytes())
		}
	}

	name := input.Name
	if name == "" {
		name = deriveName(files)
	}

	infoHash := parseInfoHash(input.Source.Magnet)
	if infoHash == "" {
		infoHash = domain.InfoHash(session.ID())
	}

	record := domain.TorrentRecord{
		ID:             session.ID(),
		Name:           name,
		State:          state,
		InfoHash:       infoHash,
		Source:         input.Source,
		Files:          files,
		TotalBytes:     sumFileLengths(files),
		VideoFileIndex: videoIndex,
		CreatedAt:      now(),
		UpdatedAt:      now(),
	}

	if err := uc.Repo.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if existing, getErr := uc.Repo.Get(ctx, session.ID()); getErr == nil {
				return CreateTorrentResult{Record: existing, Created: false}, nil
			}
		}
		_ = session.Stop()
		return CreateTorrentResult{}, wrapRepo(err)
	}

	return CreateTorrentResult{Record: record, Created: true}, nil
}

func (uc CreateTorrent) warmBytes() int64 {
	if uc.WarmCacheBytes > 0 {
		return uc.WarmCacheBytes
	}
	return defaultWarmCacheBytes
}

func validateSource(src domain.TorrentSource) error {
	hasMagnet := strings.TrimSpace(src.Magnet) != ""
	hasTorrent := strings.TrimSpace(src.Torrent) != ""
	if hasMagnet == hasTorrent {
		return ErrInvalidSource
	}
	if hasMagnet && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(src.Magnet)), "magnet:?") {
		return domain.ErrInvalidMagnet
	}
	return nil
}

func sumFileLengths(files []domain.FileRef) int64 {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return total
}

func deriveName(files []domain.FileRef) string {
	if len(files) == 0 {
		return ""
	}
	parts := splitPathParts(files[0].Path)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func splitPathParts(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

func parseInfoHash(magnet string) domain.InfoHash {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return ""
	}

	lower := strings.ToLower(magnet)
	idx := strings.Index(lower, "xt=urn:btih:")
	if idx == -1 {
		return ""
	}

	start := idx + len("xt=urn:btih:")
	rest := magnet[start:]
	if rest == "" {
		return ""
	}

	end := strings.Index(rest, "&")
	if end == -1 {
		return domain.InfoHash(strings.ToLower(rest))
	}
	return domain.InfoHash(strings.ToLower(rest[:end]))
}

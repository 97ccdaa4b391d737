package apihttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"torrentstream/internal/domain"
)

const (
	// rangeChunkSize is the read granularity for byte-range bodies.
	rangeChunkSize = 1 << 20
	// shortReadRetryDelay is how long a range read sleeps when it hits a
	// region the swarm has not delivered yet.
	shortReadRetryDelay = 500 * time.Millisecond

	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/MP2T"
)

// handleStream routes /api/stream/{id}[/...]: the bare id serves the HLS
// playlist, a trailing segment name serves one MPEG-TS segment, and
// file/{index} serves raw bytes with range support.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tail := strings.TrimPrefix(r.URL.Path, "/api/stream/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	id := domain.TorrentID(strings.ToLower(parts[0]))
	switch {
	case len(parts) == 1:
		s.handleStreamPlaylist(w, r, id)
	case len(parts) == 3 && parts[1] == "file":
		s.handleStreamFile(w, r, id, parts[2])
	case len(parts) == 2:
		s.handleStreamSegment(w, r, id, parts[1])
	default:
		http.NotFound(w, r)
	}
}

// handleStreamPlaylist ensures a transmux is running and returns its
// playlist. Errors surface per kind: missing torrent 404, metadata not
// ready 503, encoder failure 500.
func (s *Server) handleStreamPlaylist(w http.ResponseWriter, r *http.Request, id domain.TorrentID) {
	if s.hls == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "hls not configured")
		return
	}

	playlist, err := s.hls.EnsureRunning(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.hls.Touch(r.Context(), id, time.Now())

	w.Header().Set("Content-Type", playlistContentType)
	setNoCacheHeaders(w)
	http.ServeFile(w, r, playlist)
}

func (s *Server) handleStreamSegment(w http.ResponseWriter, r *http.Request, id domain.TorrentID, segment string) {
	if s.hls == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "hls not configured")
		return
	}
	if !validSegmentName(segment) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid segment name")
		return
	}

	job := s.hls.Lookup(id)
	if job == nil {
		http.NotFound(w, r)
		return
	}

	segmentPath := filepath.Join(job.dir, segment)
	if _, err := os.Stat(segmentPath); err != nil {
		http.NotFound(w, r)
		return
	}
	s.hls.Touch(r.Context(), id, time.Now())

	contentType := segmentContentType
	if segment == playlistName {
		contentType = playlistContentType
	}
	w.Header().Set("Content-Type", contentType)
	setNoCacheHeaders(w)
	http.ServeFile(w, r, segmentPath)
}

// handleStreamFile serves one file of the torrent directly. Containers
// browsers cannot play natively are remuxed to fragmented MP4 on the fly;
// everything else is served as byte ranges over the partially downloaded
// file, blocking for pieces that have not arrived yet.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request, id domain.TorrentID, indexRaw string) {
	if s.streamTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream torrent use case not configured")
		return
	}

	fileIndex, err := strconv.Atoi(indexRaw)
	if err != nil || fileIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
		return
	}

	ctx := r.Context()
	result, err := s.streamTorrent.Execute(ctx, id, fileIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer result.Reader.Close()

	ext := strings.ToLower(path.Ext(result.File.Path))
	if needsRemux(ext) {
		s.serveRemuxed(w, r, id, result.File)
		return
	}

	// Responsive mode: return partial data immediately rather than
	// blocking until full pieces verify.
	result.Reader.SetResponsive()

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	size := result.File.Length

	if r.Method == http.MethodHead {
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if err := s.copyAvailable(ctx, w, result.Reader, size); err != nil {
			s.logStreamEnd(id, fileIndex, err)
		}
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if errors.Is(err, errRangeNotSatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
		return
	}

	if _, err := result.Reader.Seek(start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to seek stream")
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if err := s.copyAvailable(ctx, w, result.Reader, length); err != nil {
		s.logStreamEnd(id, fileIndex, err)
	}
}

// copyAvailable writes exactly length bytes from r to w in 1 MiB chunks.
// A short read means the swarm has not delivered that region yet: sleep and
// retry from the current position until the client disconnects.
func (s *Server) copyAvailable(ctx context.Context, w io.Writer, r io.Reader, length int64) error {
	buf := make([]byte, rangeChunkSize)
	flusher, _ := w.(http.Flusher)

	var written int64
	for written < length {
		chunk := int64(len(buf))
		if rem := length - written; rem < chunk {
			chunk = rem
		}

		n, err := r.Read(buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			written += int64(n)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shortReadRetryDelay):
		}
	}
	return nil
}

// serveRemuxed spawns a per-request encoder that rewraps the source into a
// fragmented MP4 on stdout. The process belongs to this request: client
// disconnect kills it.
func (s *Server) serveRemuxed(w http.ResponseWriter, r *http.Request, id domain.TorrentID, file domain.FileRef) {
	source, err := resolveDataFilePath(s.dataDir, file.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file path")
		return
	}
	if err := waitForFile(r.Context(), source, s.hlsCfg().SourceWaitTimeout); err != nil {
		writeDomainError(w, err)
		return
	}

	proc, err := startEncoder(s.hlsCfg().FFmpegPath, remuxArgs(source), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start remux")
		return
	}
	defer proc.Kill()

	ctx := r.Context()
	go func() {
		<-ctx.Done()
		if !proc.Exited() {
			proc.Kill()
		}
	}()

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, proc.Stdout()); err != nil {
		s.logger.Debug("remux stream interrupted",
			slog.String("torrentId", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) logStreamEnd(id domain.TorrentID, fileIndex int, err error) {
	s.logger.Debug("stream copy ended",
		slog.String("torrentId", string(id)),
		slog.Int("fileIndex", fileIndex),
		slog.String("error", err.Error()),
	)
}

// needsRemux reports whether the container must be rewrapped for browser
// playback when served directly.
func needsRemux(ext string) bool {
	switch ext {
	case ".mkv", ".avi", ".wmv", ".flv":
		return true
	default:
		return false
	}
}

func setNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

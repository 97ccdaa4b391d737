package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"torrentstream/internal/domain"
	"torrentstream/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError maps error kinds to HTTP status: bad input 400, unknown
// torrent 404, metadata not ready 503, encoder and torrent failures 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidMagnet), errors.Is(err, usecase.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid magnet link")
	case errors.Is(err, usecase.ErrInvalidFileIndex):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
	case errors.Is(err, domain.ErrMetadataTimeout):
		writeError(w, http.StatusServiceUnavailable, "metadata_not_ready", "torrent metadata is not available yet")
	case errors.Is(err, domain.ErrSourceFileTimeout):
		writeError(w, http.StatusInternalServerError, "source_file_timeout", "source file did not appear in time")
	case errors.Is(err, domain.ErrTransmuxFailed):
		writeError(w, http.StatusInternalServerError, "transmux_failed", "stream encoder failed")
	case errors.Is(err, domain.ErrTorrentError):
		writeError(w, http.StatusInternalServerError, "torrent_error", err.Error())
	case errors.Is(err, domain.ErrUnsupported):
		writeError(w, http.StatusUnprocessableEntity, "unsupported", err.Error())
	case errors.Is(err, usecase.ErrRepository):
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// resolveDataFilePath joins filePath onto dataDir and verifies the result
// stays inside it.
func resolveDataFilePath(dataDir, filePath string) (string, error) {
	base := strings.TrimSpace(dataDir)
	if base == "" {
		return "", errors.New("data dir is required")
	}
	base = filepath.Clean(base)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}

	joined := filepath.Join(base, filepath.FromSlash(filePath))
	joined = filepath.Clean(joined)
	if abs, err := filepath.Abs(joined); err == nil {
		joined = abs
	}

	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errors.New("path escapes data dir")
	}
	return joined, nil
}

func parsePositiveInt(value string, requirePositive bool) (int, error) {
	if strings.TrimSpace(value) == "" {
		return -1, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if requirePositive && parsed <= 0 {
		return 0, errors.New("must be > 0")
	}
	if !requirePositive && parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) == 1 {
		parts = append(parts, "")
	}
	if len(parts) != 2 {
		return 0, 0, errInvalidRange
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		start := size - suffix
		end := size - 1
		return start, end, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}

	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}

	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, errInvalidRange
	}
	if end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

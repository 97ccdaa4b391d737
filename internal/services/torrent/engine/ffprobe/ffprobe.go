package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"torrentstream/internal/domain"
)

const maxProbeTimeout = 30 * time.Second

// Prober shells out to ffprobe to describe the tracks of a media file.
// Partially downloaded files are fair game: ffprobe often exits non-zero
// on them while still printing usable stream metadata.
type Prober struct {
	binary string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

func (p *Prober) Probe(ctx context.Context, filePath string) (domain.MediaInfo, error) {
	path := strings.TrimSpace(filePath)
	if path == "" {
		return domain.MediaInfo{}, errors.New("file path is required")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-probesize", "100M",
		"-analyzeduration", "100M",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	info, parseErr := parseProbeOutput(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return domain.MediaInfo{}, probeError(runErr, stderr.String())
		}
		return domain.MediaInfo{}, fmt.Errorf("ffprobe output parse failed: %w", parseErr)
	}
	if runErr != nil && len(info.Tracks) == 0 {
		return domain.MediaInfo{}, probeError(runErr, stderr.String())
	}
	return info, nil
}

func probeError(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("ffprobe failed: %w", runErr)
	}
	return fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Channels     int               `json:"channels"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
	Disposition  struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

type probeFormat struct {
	Duration  string `json:"duration"`
	StartTime string `json:"start_time"`
}

func parseProbeOutput(data []byte) (domain.MediaInfo, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.MediaInfo{}, err
	}

	tracks := make([]domain.MediaTrack, 0, len(payload.Streams))
	perType := map[string]int{}
	for _, stream := range payload.Streams {
		kind := stream.CodecType
		switch kind {
		case "video", "audio", "subtitle":
		default:
			continue
		}
		track := domain.MediaTrack{
			Index:    perType[kind],
			Type:     kind,
			Codec:    stream.CodecName,
			Language: strings.TrimSpace(streamTag(stream.Tags, "language")),
			Title:    strings.TrimSpace(streamTag(stream.Tags, "title")),
			Default:  stream.Disposition.Default == 1,
		}
		switch kind {
		case "video":
			track.Width = stream.Width
			track.Height = stream.Height
			track.FPS = parseFrameRate(stream.AvgFrameRate)
		case "audio":
			track.Channels = stream.Channels
		}
		tracks = append(tracks, track)
		perType[kind]++
	}

	return domain.MediaInfo{
		Tracks:    tracks,
		Duration:  parsePositiveFloat(payload.Format.Duration),
		StartTime: parsePositiveFloat(payload.Format.StartTime),
	}, nil
}

// parseFrameRate evaluates ffprobe's "num/den" rational frame rate.
func parseFrameRate(raw string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return parsePositiveFloat(raw)
	}
	n, errN := strconv.ParseFloat(num, 64)
	d, errD := strconv.ParseFloat(den, 64)
	if errN != nil || errD != nil || d == 0 {
		return 0
	}
	if fps := n / d; fps > 0 {
		return fps
	}
	return 0
}

func parsePositiveFloat(raw string) float64 {
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
		return v
	}
	return 0
}

// streamTag looks a key up case-insensitively; muxers disagree on casing.
func streamTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	for _, candidate := range []string{key, strings.ToUpper(key), strings.ToLower(key)} {
		if value, ok := tags[candidate]; ok {
			return value
		}
	}
	return ""
}

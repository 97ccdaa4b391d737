package ffprobe

import (
	"context"
	"testing"
)

func TestNewDefaultsBinary(t *testing.T) {
	if p := New(""); p.binary != "ffprobe" {
		t.Fatalf("binary = %q, want ffprobe", p.binary)
	}
	if p := New("  /usr/local/bin/ffprobe  "); p.binary != "/usr/local/bin/ffprobe" {
		t.Fatalf("binary = %q", p.binary)
	}
}

func TestProbeRequiresPath(t *testing.T) {
	p := New("ffprobe")
	if _, err := p.Probe(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestParseProbeOutputTracks(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
			 "avg_frame_rate": "24000/1001", "disposition": {"default": 1}},
			{"codec_type": "audio", "codec_name": "aac", "channels": 6,
			 "tags": {"language": "eng", "title": "Surround"}, "disposition": {"default": 1}},
			{"codec_type": "audio", "codec_name": "ac3", "channels": 2,
			 "tags": {"LANGUAGE": "rus"}, "disposition": {"default": 0}},
			{"codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "eng"}},
			{"codec_type": "data", "codec_name": "bin_data"}
		],
		"format": {"duration": "5400.25", "start_time": "0.5"}
	}`)

	info, err := parseProbeOutput(raw)
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if len(info.Tracks) != 4 {
		t.Fatalf("tracks = %d, want 4 (data stream skipped)", len(info.Tracks))
	}

	video := info.Tracks[0]
	if video.Type != "video" || video.Codec != "h264" || !video.Default {
		t.Fatalf("video track = %+v", video)
	}
	if video.Width != 1920 || video.Height != 1080 {
		t.Fatalf("video dimensions = %dx%d", video.Width, video.Height)
	}
	if video.FPS < 23.9 || video.FPS > 24.0 {
		t.Fatalf("fps = %v, want ~23.976", video.FPS)
	}

	a0, a1 := info.Tracks[1], info.Tracks[2]
	if a0.Index != 0 || a1.Index != 1 {
		t.Fatalf("audio indexes = %d, %d (per-type numbering)", a0.Index, a1.Index)
	}
	if a0.Language != "eng" || a0.Channels != 6 || a0.Title != "Surround" {
		t.Fatalf("audio track = %+v", a0)
	}
	if a1.Language != "rus" {
		t.Fatalf("uppercase tag key not matched: %+v", a1)
	}

	sub := info.Tracks[3]
	if sub.Type != "subtitle" || sub.Index != 0 {
		t.Fatalf("subtitle track = %+v", sub)
	}

	if info.Duration != 5400.25 || info.StartTime != 0.5 {
		t.Fatalf("duration/start = %v/%v", info.Duration, info.StartTime)
	}
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseProbeOutputEmpty(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{}`))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if len(info.Tracks) != 0 || info.Duration != 0 {
		t.Fatalf("info = %+v", info)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"25/1", 25},
		{"0/0", 0},
		{"", 0},
		{"30", 30},
		{"garbage/1", 0},
	}
	for _, tc := range tests {
		if got := parseFrameRate(tc.raw); got != tc.want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

package anacrolix

import (
	"context"

	"golang.org/x/time/rate"

	"torrentstream/internal/domain/ports"
)

// limitedReader wraps a ports.StreamReader and throttles Read calls against
// a shared per-torrent rate.Limiter, enforcing the optional download rate
// limit set via Engine.SetDownloadRateLimit.
type limitedReader struct {
	ports.StreamReader
	limiter *rate.Limiter
	ctx     context.Context
}

func newLimitedReader(r ports.StreamReader, l *rate.Limiter) *limitedReader {
	return &limitedReader{StreamReader: r, limiter: l, ctx: context.Background()}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.StreamReader.Read(p)
	if n > 0 && l.limiter != nil {
		if waitErr := l.limiter.WaitN(l.ctx, clampBurst(n, l.limiter)); waitErr != nil && err == nil {
			return n, waitErr
		}
	}
	return n, err
}

func (l *limitedReader) SetContext(ctx context.Context) {
	l.ctx = ctx
	l.StreamReader.SetContext(ctx)
}

// clampBurst caps the wait request to the limiter's burst size so WaitN
// never rejects a single large read outright.
func clampBurst(n int, l *rate.Limiter) int {
	if b := l.Burst(); b > 0 && n > b {
		return b
	}
	return n
}

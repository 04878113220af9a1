package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is set to 1 MB to allow natural write-size chunks
// through without unnecessary blocking on small writes.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// ParseBWLimit parses a bandwidth limit such as "512K", "10MB" or "1.5G"
// into bytes per second. Suffixes are binary multiples.
func ParseBWLimit(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if len(s) > 1 && strings.EqualFold(s[len(s)-1:], "b") {
		s = s[:len(s)-1]
	}
	if s == "" {
		return 0, fmt.Errorf("invalid bandwidth limit %q", orig)
	}

	multiplier := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	case "T":
		multiplier = 1 << 40
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid bandwidth limit %q", orig)
	}
	return int64(f * float64(multiplier)), nil
}

// rateLimitedWriter wraps an io.Writer and enforces a shared rate limit.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); {
		// WaitN rejects requests larger than the burst.
		n := min(len(p)-off, rw.limiter.Burst())
		if err := rw.limiter.WaitN(rw.ctx, n); err != nil {
			return off, err
		}
		off += n
	}
	return rw.w.Write(p)
}

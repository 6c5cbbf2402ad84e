// Package bandwidth paces egress payload traffic with a token bucket.
package bandwidth

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps the bucket large enough for one streaming chunk even at
// very low limits.
const minBurst = 64 << 10

// Limiter throttles payload bytes per second. A limit of 0 means unlimited.
type Limiter struct {
	mu sync.Mutex
	rl *rate.Limiter // nil when unlimited
}

// NewLimiter creates a bandwidth limiter with the given bytes-per-second
// limit.
func NewLimiter(bytesPerSecond int64) *Limiter {
	l := &Limiter{}
	l.Update(bytesPerSecond)
	return l
}

// Update changes the bandwidth limit. 0 means unlimited.
func (l *Limiter) Update(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bytesPerSecond <= 0 {
		l.rl = nil
		return
	}
	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}
	l.rl = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Wait blocks until n bytes may be sent, honoring cancellation.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	l.mu.Lock()
	rl := l.rl
	l.mu.Unlock()
	if rl == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > rl.Burst() {
			chunk = rl.Burst()
		}
		if err := rl.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader wraps r so every read is paced against the limit.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &pacedReader{ctx: ctx, l: l, r: r}
}

type pacedReader struct {
	ctx context.Context
	l   *Limiter
	r   io.Reader
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if len(b) > minBurst {
		b = b[:minBurst]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		if werr := p.l.Wait(p.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

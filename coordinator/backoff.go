package coordinator

import (
	"context"
	"math/rand"
	"time"
)

// Backoff yields growing retry delays: min, min*factor, min*factor^2, ...
// capped at max. Jitter spreads each delay by +/- jitter/2.
type Backoff struct {
	min    time.Duration
	max    time.Duration
	factor float64
	jitter float64
	cur    time.Duration
}

func NewBackoff(min, max time.Duration, factor float64) *Backoff {
	if factor < 1 {
		factor = 1
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, factor: factor, cur: min}
}

// WithJitter sets the spread fraction, 0 for exact delays.
func (b *Backoff) WithJitter(j float64) *Backoff {
	b.jitter = j
	return b
}

func (b *Backoff) Reset() {
	b.cur = b.min
}

func (b *Backoff) Next() time.Duration {
	d := b.cur
	if b.cur < b.max {
		b.cur = time.Duration(float64(b.cur) * b.factor)
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	if b.jitter > 0 {
		j := 1 - b.jitter/2 + rand.Float64()*b.jitter
		d = time.Duration(float64(d) * j)
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package util

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	// DefaultInterval is the default minimum time between navigations
	DefaultInterval = 500 * time.Millisecond
	// DefaultBurst is the default number of navigations allowed back to back
	DefaultBurst = 3
)

// Pacer spaces out page navigations against a remote service with a token bucket.
// It never retries; it only delays.
type Pacer struct {
	mu        sync.Mutex
	last      time.Time
	interval  time.Duration
	tokens    int
	maxTokens int
	jitter    float64
}

// NewPacer creates a Pacer allowing burst navigations, then one per interval
func NewPacer(interval time.Duration, burst int) *Pacer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	return &Pacer{
		last:      time.Now(),
		interval:  interval,
		tokens:    burst,
		maxTokens: burst,
		jitter:    0.2,
	}
}

// Wait blocks until a navigation may proceed or the context is cancelled
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}

	p.mu.Lock()

	now := time.Now()

	// Refill tokens for the time that has passed
	refill := int(now.Sub(p.last) / p.interval)
	if refill > 0 {
		p.tokens += refill
		if p.tokens > p.maxTokens {
			p.tokens = p.maxTokens
		}
		p.last = now
	}

	if p.tokens > 0 {
		p.tokens--
		p.mu.Unlock()
		return nil
	}

	// Up to 20% jitter so requests do not land on a fixed cadence
	wait := p.interval + time.Duration(rand.Float64()*p.jitter*float64(p.interval))
	next := p.last.Add(wait)
	p.last = next
	p.mu.Unlock()

	return Sleep(ctx, time.Until(next))
}

// Sleep pauses for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

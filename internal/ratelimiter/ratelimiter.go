// Package ratelimiter wraps golang.org/x/time/rate with the defaults the
// clisend server needs for pacing DATA chunks.
//
// One shared limiter covers all sessions: every outbound and inbound file
// chunk consumes a token, so a single fast transfer cannot monopolize the
// server's disk and socket bandwidth. Fairness is chunk-level, not
// byte-level, matching the framing layer's bounded chunk size.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ChunkLimiter is a token-bucket limiter for transfer chunks. Safe for
// concurrent use.
type ChunkLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing chunksPerSecond sustained chunk
// operations with the given burst capacity.
//
// chunksPerSecond = 0 disables limiting (an effectively infinite rate is
// installed so callers never have to branch on a nil limiter).
func New(chunksPerSecond, burst uint) *ChunkLimiter {
	if chunksPerSecond == 0 {
		chunksPerSecond = 1_000_000_000
		burst = chunksPerSecond
	}
	if burst == 0 {
		burst = chunksPerSecond
	}

	return &ChunkLimiter{
		limiter: rate.NewLimiter(rate.Limit(chunksPerSecond), int(burst)),
	}
}

// Wait blocks until one chunk token is available or ctx is cancelled.
// Sessions call this before every DATA chunk they move.
func (l *ChunkLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow consumes a token without waiting. Used where rejecting is better
// than queueing.
func (l *ChunkLimiter) Allow() bool {
	return l.limiter.Allow()
}

// AllowN consumes n tokens without waiting, all or nothing.
func (l *ChunkLimiter) AllowN(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// SetLimit changes the sustained chunk rate at runtime. In-flight Wait
// calls pick up the new rate.
func (l *ChunkLimiter) SetLimit(chunksPerSecond uint) {
	l.limiter.SetLimit(rate.Limit(chunksPerSecond))
}

// SetBurst changes the burst capacity at runtime.
func (l *ChunkLimiter) SetBurst(burst uint) {
	l.limiter.SetBurst(int(burst))
}

// Tokens reports the tokens currently in the bucket. Monitoring only.
func (l *ChunkLimiter) Tokens() float64 {
	return l.limiter.Tokens()
}

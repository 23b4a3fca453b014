// Package ratelimit provides the token-bucket scan limiter discovery
// uses to bound TCP probe attempts.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ScanLimiter bounds the rate of outbound probe attempts with a token
// bucket, letting short bursts through while capping sustained load.
type ScanLimiter struct {
	limiter *rate.Limiter
}

// NewScanLimiter builds a limiter allowing burst immediate attempts and
// refilling at ratePerSecond tokens/sec thereafter.
func NewScanLimiter(ratePerSecond float64, burst int) *ScanLimiter {
	return &ScanLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a probe may proceed right now, consuming a token
// if so.
func (s *ScanLimiter) Allow() bool {
	return s.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (s *ScanLimiter) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// NewSlidingWindowLimiter builds a token bucket that holds maxEvents
// tokens and refills at maxEvents per window (e.g. the 60 s device-scan
// window). It is not a strict sliding-window cap: starting full, it can
// admit up to about twice maxEvents within the first window.
func NewSlidingWindowLimiter(maxEvents int, window time.Duration) *ScanLimiter {
	perSecond := float64(maxEvents) / window.Seconds()
	return NewScanLimiter(perSecond, maxEvents)
}

package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-channel and global ingestion rate limits using
// token buckets.
type RateLimiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	channels   map[string]*rate.Limiter
	perChannel rate.Limit
	burst      int
}

// NewRateLimiter creates a rate limiter. globalRPM is the total
// requests/minute across all channels; perChannelRPM applies per channel id.
func NewRateLimiter(globalRPM, perChannelRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	channelBurst := perChannelRPM
	if channelBurst < 1 {
		channelBurst = 1
	}
	return &RateLimiter{
		global:     rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		channels:   make(map[string]*rate.Limiter),
		perChannel: rate.Limit(float64(perChannelRPM) / 60.0),
		burst:      channelBurst,
	}
}

// Allow reports whether a submission on the given channel may proceed.
// Actions without a channel are only subject to the global limit.
func (rl *RateLimiter) Allow(channel string) bool {
	if !rl.global.Allow() {
		return false
	}
	if channel == "" {
		return true
	}
	rl.mu.Lock()
	limiter, ok := rl.channels[channel]
	if !ok {
		limiter = rate.NewLimiter(rl.perChannel, rl.burst)
		rl.channels[channel] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

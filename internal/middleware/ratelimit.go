package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute bounds failed auth attempts per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the limiter table so memory stays bounded.
	DefaultMaxTrackedIPs = 10000

	janitorInterval = time.Minute
	idleEviction    = 5 * time.Minute
)

// clientLimiter pairs a token bucket with the last time its IP was seen.
type clientLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles repeated authentication failures per client IP.
// Successful requests are never counted; only failures consume tokens.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientLimiter
	perMinute  int
	maxClients int
	cancel     context.CancelFunc
}

// NewRateLimiter builds a per-IP limiter allowing perMinute failed attempts.
// A non-positive perMinute falls back to DefaultMaxAttemptsPerMinute. A
// janitor goroutine evicts idle entries until Stop is called or ctx ends.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		perMinute:  perMinute,
		maxClients: DefaultMaxTrackedIPs,
		cancel:     cancel,
	}
	go rl.janitor(ctx)
	return rl
}

// Allow reports whether ip may attempt another authentication. IPs with no
// recorded failures are always allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[ip]
	if !ok {
		return true
	}
	client.lastSeen = time.Now()
	return client.bucket.Allow()
}

// RecordFailure consumes one token for ip, creating its bucket on first use.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.clientLocked(ip).bucket.Allow()
}

// RecordFailureAndAllow consumes one token for ip and reports whether the
// attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.clientLocked(ip).bucket.Allow()
}

// Stop terminates the janitor goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) clientLocked(ip string) *clientLimiter {
	now := time.Now()
	client, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.evictIdlestLocked()
		}
		client = &clientLimiter{
			bucket: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.clients[ip] = client
	}
	client.lastSeen = now
	return client
}

func (rl *RateLimiter) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.dropIdle()
		}
	}
}

func (rl *RateLimiter) dropIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idleEviction)
	for ip, client := range rl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// evictIdlestLocked drops the entry with the oldest lastSeen to make room.
func (rl *RateLimiter) evictIdlestLocked() {
	var victim string
	var victimSeen time.Time
	for ip, client := range rl.clients {
		if victim == "" || client.lastSeen.Before(victimSeen) {
			victim = ip
			victimSeen = client.lastSeen
		}
	}
	if victim != "" {
		delete(rl.clients, victim)
	}
}

// ExtractIP strips the port from a RemoteAddr, returning the input unchanged
// when it carries no port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

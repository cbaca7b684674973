package scheduler

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// hostLimiter bounds parallel requests per host and spaces consecutive
// requests to the same host.
type hostLimiter struct {
	perHost int
	spacing time.Duration

	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newHostLimiter(perHost int, spacing time.Duration) *hostLimiter {
	if perHost <= 0 {
		perHost = 1
	}
	return &hostLimiter{
		perHost:     perHost,
		spacing:     spacing,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for host, blocking until one is free and the minimum
// spacing since the last request has passed.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	hl.mu.Lock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, hl.perHost)
		hl.semaphores[host] = sem
	}
	hl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	hl.mu.Lock()
	last := hl.lastRequest[host]
	hl.mu.Unlock()

	if last.IsZero() || hl.spacing <= 0 {
		return nil
	}
	if wait := hl.spacing - time.Since(last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns the slot for host and records the request time.
func (hl *hostLimiter) release(host string) {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.lastRequest[host] = time.Now()
	if sem, ok := hl.semaphores[host]; ok {
		<-sem
	}
}

// hostOf gets the host from a feed URL.
func hostOf(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

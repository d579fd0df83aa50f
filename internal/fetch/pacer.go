package fetch

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// hostPacer paces requests per host. The API host and the public content
// host that serves text renditions are throttled independently: a burst of
// text downloads must not starve metadata paging.
type hostPacer struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newHostPacer(requestsPerSecond float64, burst int) *hostPacer {
	if burst <= 0 {
		burst = 1
	}
	return &hostPacer{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Wait blocks until the host's limiter clears one request.
func (p *hostPacer) Wait(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	return p.limiter(parsed.Host).Wait(ctx)
}

func (p *hostPacer) limiter(host string) *rate.Limiter {
	p.mu.RLock()
	lim, ok := p.limiters[host]
	p.mu.RUnlock()
	if ok {
		return lim
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[host]; ok {
		return lim
	}
	lim = rate.NewLimiter(p.perSec, p.burst)
	p.limiters[host] = lim
	return lim
}

// Package ratelimit enforces per-endpoint request quotas for venue calls.
// The policy is process-wide: all engines share one instance, and it is
// the only truly shared mutable state in the process. State is in-memory
// only and not persisted.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Well-known venue endpoints with dedicated quotas. Anything else falls
// back to the default quota.
const (
	EndpointOrders    = "/orders"
	EndpointOrderByID = "/orders/{id}"
	EndpointTicker    = "/ticker"
)

// Quota describes a token bucket: at most Requests acquisitions per Window.
type Quota struct {
	Requests int
	Window   time.Duration
}

// Usage is an observability snapshot for one endpoint's bucket.
type Usage struct {
	Current int       // requests currently counted against the quota
	Limit   int       // the quota's request cap
	ResetAt time.Time // when the bucket is expected to be full again
}

// Policy maps endpoints to token buckets. Buckets are created lazily on
// first use from the configured quotas.
type Policy struct {
	mu           sync.Mutex
	quotas       map[string]Quota
	defaultQuota Quota
	limiters     map[string]*rate.Limiter
}

// New creates a policy with per-endpoint quotas and a default quota for
// endpoints not explicitly listed.
func New(quotas map[string]Quota, defaultQuota Quota) *Policy {
	p := &Policy{
		quotas:       make(map[string]Quota, len(quotas)),
		defaultQuota: defaultQuota,
		limiters:     make(map[string]*rate.Limiter),
	}
	for endpoint, q := range quotas {
		p.quotas[endpoint] = q
	}
	return p
}

// NewDefault creates a policy with the venue's documented order limits:
// 15 req/s on order endpoints, 10 req/s elsewhere.
func NewDefault() *Policy {
	return New(map[string]Quota{
		EndpointOrders:    {Requests: 15, Window: time.Second},
		EndpointOrderByID: {Requests: 15, Window: time.Second},
	}, Quota{Requests: 10, Window: time.Second})
}

func (p *Policy) bucket(endpoint string) (*rate.Limiter, Quota) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[endpoint]; ok {
		q, ok := p.quotas[endpoint]
		if !ok {
			q = p.defaultQuota
		}
		return lim, q
	}
	q, ok := p.quotas[endpoint]
	if !ok {
		q = p.defaultQuota
	}
	lim := rate.NewLimiter(rate.Every(q.Window/time.Duration(q.Requests)), q.Requests)
	p.limiters[endpoint] = lim
	return lim, q
}

// WaitIfNeeded blocks until a request to endpoint is allowed, up to
// maxWait. Returns true if the budget was acquired, false if maxWait
// elapsed or ctx was cancelled first.
func (p *Policy) WaitIfNeeded(ctx context.Context, endpoint string, maxWait time.Duration) bool {
	lim, _ := p.bucket(endpoint)
	wctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return lim.Wait(wctx) == nil
}

// TryAcquire acquires budget for one request without blocking.
func (p *Policy) TryAcquire(endpoint string) bool {
	lim, _ := p.bucket(endpoint)
	return lim.Allow()
}

// Usage reports the endpoint's current consumption against its quota.
func (p *Policy) Usage(endpoint string) Usage {
	lim, q := p.bucket(endpoint)
	now := time.Now()

	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	available := int(math.Floor(tokens))
	if available > q.Requests {
		available = q.Requests
	}

	resetAt := now
	if missing := float64(q.Requests) - tokens; missing > 0 {
		refill := time.Duration(missing / float64(lim.Limit()) * float64(time.Second))
		resetAt = now.Add(refill)
	}
	return Usage{
		Current: q.Requests - available,
		Limit:   q.Requests,
		ResetAt: resetAt,
	}
}

// Package ratelimit provides per-identity token-bucket rate limiting,
// grouped into route classes. Limiters live in an expiring in-process
// cache, so idle identities cost nothing.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Class groups routes under one limit.
type Class struct {
	Name  string
	Limit rate.Limit
	Burst int
}

// Route classes. The identity is an IP before authentication and a
// credential hash after.
var (
	// ClassAuth covers challenge and token endpoints.
	ClassAuth = Class{Name: "auth", Limit: rate.Every(6 * time.Second), Burst: 10}
	// ClassEnroll covers the enrollment pipeline.
	ClassEnroll = Class{Name: "enroll", Limit: rate.Every(12 * time.Second), Burst: 5}
	// ClassVote covers ballot requests and casts.
	ClassVote = Class{Name: "vote", Limit: rate.Every(2 * time.Second), Burst: 30}
	// ClassPublic covers unauthenticated read endpoints.
	ClassPublic = Class{Name: "public", Limit: rate.Every(time.Second), Burst: 60}
)

const (
	cacheSize = 100_000
	cacheTTL  = 10 * time.Minute
)

// Limiter hands out per-identity token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](cacheSize, nil, cacheTTL),
	}
}

// Allow reports whether the identity may proceed under the class limit.
// When denied, the returned duration is how long the caller should wait.
func (l *Limiter) Allow(class Class, identity string) (bool, time.Duration) {
	lim := l.get(class, identity)
	r := lim.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) get(class Class, identity string) *rate.Limiter {
	key := class.Name + "/" + identity
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(class.Limit, class.Burst)
	l.limiters.Add(key, lim)
	return lim
}

// Package ratelimit implements per-tenant token-bucket rate limiting keyed
// by (tenantId, operation class).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies which bucket a backend operation charges. Closed set.
type Class string

const (
	ClassKVRead     Class = "kv-read"
	ClassKVWrite    Class = "kv-write"
	ClassKVQuery    Class = "kv-query"
	ClassBlobGet    Class = "blob-get"
	ClassBlobPut    Class = "blob-put"
	ClassBlobList   Class = "blob-list"
	ClassEventPut   Class = "event-put"
	ClassSecretGet  Class = "secret-get"
	ClassGeneric    Class = "generic-backend"
)

// ClassLimit is the bucket sizing for one operation class.
type ClassLimit struct {
	Capacity  int     // maximum tokens
	PerSecond float64 // refill rate
}

// ServiceLimits holds per-class bucket sizing plus the event batch ceiling.
// Defaults are conservative multi-tenant shares of the backing services'
// real quotas.
type ServiceLimits struct {
	KVRead    ClassLimit
	KVWrite   ClassLimit
	KVQuery   ClassLimit
	BlobGet   ClassLimit
	BlobPut   ClassLimit
	BlobList  ClassLimit
	EventPut  ClassLimit
	SecretGet ClassLimit
	Generic   ClassLimit

	// EventBatchCeiling caps the cost charged for one event batch.
	EventBatchCeiling int
}

// DefaultServiceLimits returns the stock per-tenant limits.
func DefaultServiceLimits() ServiceLimits {
	return ServiceLimits{
		KVRead:    ClassLimit{Capacity: 1000, PerSecond: 1000},
		KVWrite:   ClassLimit{Capacity: 1000, PerSecond: 1000},
		KVQuery:   ClassLimit{Capacity: 100, PerSecond: 100},
		BlobGet:   ClassLimit{Capacity: 500, PerSecond: 500},
		BlobPut:   ClassLimit{Capacity: 350, PerSecond: 350},
		BlobList:  ClassLimit{Capacity: 10, PerSecond: 10},
		EventPut:  ClassLimit{Capacity: 1000, PerSecond: 1000},
		SecretGet: ClassLimit{Capacity: 500, PerSecond: 500},
		Generic:   ClassLimit{Capacity: 200, PerSecond: 200},

		EventBatchCeiling: 10,
	}
}

// ForClass returns the sizing for a class. Unknown classes fall back to the
// generic bucket.
func (l ServiceLimits) ForClass(c Class) ClassLimit {
	switch c {
	case ClassKVRead:
		return l.KVRead
	case ClassKVWrite:
		return l.KVWrite
	case ClassKVQuery:
		return l.KVQuery
	case ClassBlobGet:
		return l.BlobGet
	case ClassBlobPut:
		return l.BlobPut
	case ClassBlobList:
		return l.BlobList
	case ClassEventPut:
		return l.EventPut
	case ClassSecretGet:
		return l.SecretGet
	default:
		return l.Generic
	}
}

// EventBatchCost returns the charge for a batch of n events, capped at the
// configured ceiling. A batch of unknown size costs 1.
func (l ServiceLimits) EventBatchCost(n int) int {
	if n < 1 {
		return 1
	}
	if l.EventBatchCeiling > 0 && n > l.EventBatchCeiling {
		return l.EventBatchCeiling
	}
	return n
}

type bucketKey struct {
	tenantID string
	class    Class
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter owns the token buckets. Buckets are created lazily on first charge
// and evicted after an hour without traffic.
type Limiter struct {
	limits ServiceLimits

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	nowFn func() time.Time // test seam
}

// NewLimiter creates a limiter with the given per-tenant limits.
func NewLimiter(limits ServiceLimits) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[bucketKey]*bucket),
		nowFn:   time.Now,
	}
}

// TryCharge debits cost tokens from the (tenantID, class) bucket. Denial
// leaves the bucket untouched. The critical section covers only the bucket
// math; no I/O happens under the lock.
func (l *Limiter) TryCharge(tenantID string, class Class, cost int) bool {
	if cost < 1 {
		cost = 1
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{tenantID: tenantID, class: class}
	b, ok := l.buckets[key]
	if !ok {
		sizing := l.limits.ForClass(class)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(sizing.PerSecond), sizing.Capacity)}
		l.buckets[key] = b
	}
	b.lastAccess = now

	return b.limiter.AllowN(now, cost)
}

// Sweep removes buckets that have been idle longer than maxIdle.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) >= maxIdle {
			delete(l.buckets, key)
		}
	}
}

// BucketCount reports the number of live buckets.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Tokens reports the current token level of one bucket, or -1 when the
// bucket does not exist yet.
func (l *Limiter) Tokens(tenantID string, class Class) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[bucketKey{tenantID: tenantID, class: class}]
	if !ok {
		return -1
	}
	return b.limiter.TokensAt(l.nowFn())
}

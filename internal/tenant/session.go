package tenant

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one live principal's running state. Counters are plain atomics:
// the request guard must be droppable from deferred paths without taking a
// lock.
type Session struct {
	ID        string
	Context   Context
	CreatedAt time.Time

	lastActivity   atomic.Int64 // unix nanos
	requestCount   atomic.Int64
	activeRequests atomic.Int64
}

// NewSession creates a session with a fresh id and a snapshot of the tenant
// context.
func NewSession(ctx Context) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Context:   ctx,
		CreatedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Touch records request activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RequestCount returns the lifetime request counter.
func (s *Session) RequestCount() int64 {
	return s.requestCount.Load()
}

// ActiveRequests returns the number of requests currently in dispatch.
func (s *Session) ActiveRequests() int64 {
	return s.activeRequests.Load()
}

// IncrementRequestCount bumps the lifetime counter and returns the new value.
func (s *Session) IncrementRequestCount() int64 {
	return s.requestCount.Add(1)
}

// IncrementActiveRequests bumps the in-flight counter and returns the new
// value.
func (s *Session) IncrementActiveRequests() int64 {
	return s.activeRequests.Add(1)
}

// decrementActiveRequests is saturating: it never drives the counter below
// zero even if called without a matching increment.
func (s *Session) decrementActiveRequests() {
	for {
		current := s.activeRequests.Load()
		if current <= 0 {
			return
		}
		if s.activeRequests.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// CheckRequestBudget evaluates the per-session guards: lifetime request
// budget and concurrency ceiling. Both are plain atomic reads.
func (s *Session) CheckRequestBudget() bool {
	return s.requestCount.Load() < s.Context.Limits.RequestsPerMinute &&
		s.activeRequests.Load() < s.Context.Limits.MaxConcurrentRequests
}

// HasPermission reports whether the session's context grants p.
func (s *Session) HasPermission(p Permission) bool {
	return s.Context.HasPermission(p)
}

// Guard tracks one dispatched request. Release decrements the session's
// in-flight counter exactly once no matter how many exit paths run it.
type Guard struct {
	session *Session
	once    sync.Once
}

// NewGuard increments the in-flight counter and returns its guard.
func NewGuard(s *Session) *Guard {
	s.IncrementActiveRequests()
	return &Guard{session: s}
}

// Release drops the guard. Safe to call multiple times and from deferred or
// panicking contexts; only the first call decrements.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.session.decrementActiveRequests()
	})
}

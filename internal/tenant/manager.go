package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
)

const (
	// SessionIdleTimeout is how long a session may sit without activity
	// before the sweeper evicts it.
	SessionIdleTimeout = 30 * time.Minute

	// BucketIdleTimeout is how long a rate bucket may sit untouched.
	BucketIdleTimeout = time.Hour
)

// NotFoundError is returned for unknown tenants when auto-registration is
// disabled.
type NotFoundError struct{ TenantID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tenant not found: %s", e.TenantID)
}

// UnauthorizedError is returned when a user does not belong to a tenant.
type UnauthorizedError struct{ TenantID string }

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized access for tenant: %s", e.TenantID)
}

// Manager is the tenant directory plus the live session registry.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]Context // tenantID -> policy
	sessions map[string]*Session

	limiter      *ratelimit.Limiter
	autoRegister bool
	region       string
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// AutoRegister materializes unknown tenants with admin rights on first
	// contact. Development convenience only.
	AutoRegister bool
	// DevMode seeds the demo tenant.
	DevMode bool
	// Region is stamped on auto-registered contexts.
	Region string
}

// NewManager creates a manager with an empty session table.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		configs:      make(map[string]Context),
		sessions:     make(map[string]*Session),
		limiter:      ratelimit.NewLimiter(ratelimit.DefaultServiceLimits()),
		autoRegister: opts.AutoRegister,
		region:       opts.Region,
	}
	if m.region == "" {
		m.region = "us-west-2"
	}

	if opts.DevMode {
		log.Warn().Msg("DEV_MODE enabled: creating demo tenant (do not use in production)")
		demo := Context{
			TenantID: "demo-tenant",
			UserID:   "user-demo-123",
			Type:     ContextOrganization,
			OrgID:    "org-demo-456",
			OrgName:  "Demo Organization",
			Role:     RoleAdmin,
			Permissions: []Permission{
				PermReadKV, PermWriteKV, PermDeleteKV,
				PermListBlobs, PermGetBlobs, PermPutBlobs,
				PermSendEvents, PermExecuteWorkflows,
			},
			Region: m.region,
			Limits: DefaultLimits(),
		}
		m.configs[demo.TenantID] = demo
	}

	return m
}

// Limiter returns the shared rate limiter handle.
func (m *Manager) Limiter() *ratelimit.Limiter {
	return m.limiter
}

// RegisterTenant installs or replaces a tenant policy.
func (m *Manager) RegisterTenant(ctx Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[ctx.TenantID] = ctx
}

// Validate checks that userID may act for tenantID. Unknown tenants are
// materialized with admin rights when auto-registration is on; otherwise
// they are rejected.
func (m *Manager) Validate(tenantID, userID string) error {
	m.mu.RLock()
	ctx, ok := m.configs[tenantID]
	m.mu.RUnlock()

	if ok {
		if ctx.UserID != userID {
			return &UnauthorizedError{TenantID: tenantID}
		}
		return nil
	}

	if !m.autoRegister {
		return &NotFoundError{TenantID: tenantID}
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Msg("Auto-registering tenant (dev mode)")

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[tenantID]; !exists {
		m.configs[tenantID] = Context{
			TenantID:    tenantID,
			UserID:      userID,
			Type:        ContextOrganization,
			OrgID:       tenantID,
			OrgName:     tenantID,
			Role:        RoleAdmin,
			Permissions: []Permission{PermAdmin},
			Region:      m.region,
			Limits:      DefaultLimits(),
		}
	}
	return nil
}

// CreateSession creates and registers a session for a validated tenant.
func (m *Manager) CreateSession(tenantID string) (*Session, error) {
	m.mu.RLock()
	ctx, ok := m.configs[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{TenantID: tenantID}
	}

	session := NewSession(ctx)
	key := fmt.Sprintf("%s:%s", tenantID, session.ID)

	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()

	return session, nil
}

// Session looks up a live session by its table key.
func (m *Manager) Session(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// TotalActiveRequests sums in-flight requests across every session. Used by
// the drain loop during shutdown.
func (m *Manager) TotalActiveRequests() int64 {
	var total int64
	for _, s := range m.Sessions() {
		total += s.ActiveRequests()
	}
	return total
}

// SweepExpired evicts sessions idle past the timeout and sweeps stale rate
// buckets. It never holds the table lock while reading per-session state:
// keys are snapshotted under a read lock, classified lock-free off the
// session's atomic activity stamp, and removed under a brief write lock.
func (m *Manager) SweepExpired() {
	now := time.Now()

	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	var expired []string
	for _, key := range keys {
		if s, ok := m.Session(key); ok {
			if now.Sub(s.LastActivity()) >= SessionIdleTimeout {
				expired = append(expired, key)
			}
		}
	}

	if len(expired) > 0 {
		m.mu.Lock()
		for _, key := range expired {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		log.Debug().Int("evicted", len(expired)).Msg("Swept expired sessions")
	}

	m.limiter.Sweep(BucketIdleTimeout)
}

// StartSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepExpired()
			}
		}
	}()
}

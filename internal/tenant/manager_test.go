package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(autoRegister bool) *Manager {
	return NewManager(ManagerOptions{AutoRegister: autoRegister, Region: "eu-test-1"})
}

func TestValidateKnownTenant(t *testing.T) {
	m := newTestManager(false)
	m.RegisterTenant(testContext())

	require.NoError(t, m.Validate("tenant-1", "user-1"))

	err := m.Validate("tenant-1", "someone-else")
	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, "tenant-1", unauthorized.TenantID)
}

func TestValidateUnknownTenantWithoutAutoRegister(t *testing.T) {
	m := newTestManager(false)

	err := m.Validate("ghost", "user-1")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.TenantID)
}

func TestAutoRegisterMaterializesAdminTenant(t *testing.T) {
	m := newTestManager(true)

	require.NoError(t, m.Validate("new-tenant", "new-user"))

	session, err := m.CreateSession("new-tenant")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, session.Context.Role)
	assert.True(t, session.HasPermission(PermAdmin))
	assert.Equal(t, "eu-test-1", session.Context.Region)

	// Re-validation of the now-known tenant checks the user match.
	require.NoError(t, m.Validate("new-tenant", "new-user"))
	assert.Error(t, m.Validate("new-tenant", "other-user"))
}

func TestDevModeSeedsDemoTenant(t *testing.T) {
	m := NewManager(ManagerOptions{DevMode: true})

	require.NoError(t, m.Validate("demo-tenant", "user-demo-123"))
	session, err := m.CreateSession("demo-tenant")
	require.NoError(t, err)
	assert.Equal(t, "org-demo-456", session.Context.OrgID)
}

func TestCreateSessionUnknownTenant(t *testing.T) {
	m := newTestManager(false)

	_, err := m.CreateSession("ghost")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSessionLookupByKey(t *testing.T) {
	m := newTestManager(false)
	m.RegisterTenant(testContext())

	session, err := m.CreateSession("tenant-1")
	require.NoError(t, err)

	got, ok := m.Session("tenant-1:" + session.ID)
	require.True(t, ok)
	assert.Same(t, session, got)
}

func TestTotalActiveRequests(t *testing.T) {
	m := newTestManager(false)
	m.RegisterTenant(testContext())

	s1, err := m.CreateSession("tenant-1")
	require.NoError(t, err)
	s2, err := m.CreateSession("tenant-1")
	require.NoError(t, err)

	g1 := NewGuard(s1)
	g2 := NewGuard(s2)
	g3 := NewGuard(s2)
	assert.Equal(t, int64(3), m.TotalActiveRequests())

	g1.Release()
	g2.Release()
	g3.Release()
	assert.Equal(t, int64(0), m.TotalActiveRequests())
}

func TestSweepExpiredEvictsIdleSessions(t *testing.T) {
	m := newTestManager(false)
	m.RegisterTenant(testContext())

	idle, err := m.CreateSession("tenant-1")
	require.NoError(t, err)
	fresh, err := m.CreateSession("tenant-1")
	require.NoError(t, err)

	// Age the idle session past the timeout.
	idle.lastActivity.Store(time.Now().Add(-SessionIdleTimeout - time.Minute).UnixNano())
	fresh.Touch()

	m.SweepExpired()

	_, ok := m.Session("tenant-1:" + idle.ID)
	assert.False(t, ok, "idle session should be evicted")
	_, ok = m.Session("tenant-1:" + fresh.ID)
	assert.True(t, ok, "fresh session should survive")
}

func TestSweepDoesNotBlockOnActiveSessions(t *testing.T) {
	m := newTestManager(false)
	m.RegisterTenant(testContext())

	session, err := m.CreateSession("tenant-1")
	require.NoError(t, err)
	guard := NewGuard(session)
	defer guard.Release()

	done := make(chan struct{})
	go func() {
		m.SweepExpired()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SweepExpired blocked while a request was in flight")
	}
}

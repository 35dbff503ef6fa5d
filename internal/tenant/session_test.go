package tenant

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Type:        ContextPersonal,
		Role:        RoleUser,
		Permissions: []Permission{PermReadKV, PermWriteKV},
		Limits:      DefaultLimits(),
	}
}

func TestContextIDByType(t *testing.T) {
	personal := Context{Type: ContextPersonal, UserID: "u1"}
	assert.Equal(t, "personal-u1", personal.ID())
	assert.Equal(t, "user:u1", personal.NamespacePrefix())

	org := Context{Type: ContextOrganization, UserID: "u1", OrgID: "o1"}
	assert.Equal(t, "org-o1", org.ID())
	assert.Equal(t, "org:o1:user:u1", org.NamespacePrefix())
}

func TestHasPermission(t *testing.T) {
	ctx := testContext()
	assert.True(t, ctx.HasPermission(PermReadKV))
	assert.False(t, ctx.HasPermission(PermAdmin))
	assert.False(t, ctx.HasPermission(PermSendEvents))

	ctx.Role = RoleAdmin
	assert.True(t, ctx.HasPermission(PermSendEvents), "admin role implies every permission")
}

func TestGuardReleasesExactlyOnce(t *testing.T) {
	s := NewSession(testContext())

	guard := NewGuard(s)
	require.Equal(t, int64(1), s.ActiveRequests())

	guard.Release()
	guard.Release()
	guard.Release()
	assert.Equal(t, int64(0), s.ActiveRequests())
}

func TestDecrementSaturatesAtZero(t *testing.T) {
	s := NewSession(testContext())

	s.decrementActiveRequests()
	s.decrementActiveRequests()
	assert.Equal(t, int64(0), s.ActiveRequests())
}

func TestGuardSurvivesPanic(t *testing.T) {
	s := NewSession(testContext())

	func() {
		guard := NewGuard(s)
		defer guard.Release()
		defer func() { _ = recover() }()
		panic("handler exploded")
	}()

	assert.Equal(t, int64(0), s.ActiveRequests())
}

func TestCheckRequestBudget(t *testing.T) {
	ctx := testContext()
	ctx.Limits.MaxConcurrentRequests = 2
	ctx.Limits.RequestsPerMinute = 3
	s := NewSession(ctx)

	require.True(t, s.CheckRequestBudget())

	// Concurrency ceiling.
	g1 := NewGuard(s)
	g2 := NewGuard(s)
	assert.False(t, s.CheckRequestBudget())
	g1.Release()
	g2.Release()
	require.True(t, s.CheckRequestBudget())

	// Lifetime request budget.
	s.IncrementRequestCount()
	s.IncrementRequestCount()
	s.IncrementRequestCount()
	assert.False(t, s.CheckRequestBudget())
}

func TestConcurrentGuardsBalance(t *testing.T) {
	s := NewSession(testContext())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard := NewGuard(s)
			s.IncrementRequestCount()
			guard.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), s.ActiveRequests())
	assert.Equal(t, int64(100), s.RequestCount())
}

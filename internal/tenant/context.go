// Package tenant implements the tenant directory, live sessions with their
// atomic request counters, and the permission model.
package tenant

import (
	"fmt"

	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
)

// ContextType distinguishes personal from organizational tenancy.
type ContextType string

const (
	ContextPersonal     ContextType = "personal"
	ContextOrganization ContextType = "organization"
)

// Role is the coarse access level of a principal.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// Permission is one element of the closed permission set.
type Permission string

const (
	PermReadKV           Permission = "ReadKV"
	PermWriteKV          Permission = "WriteKV"
	PermDeleteKV         Permission = "DeleteKV"
	PermListBlobs        Permission = "ListBlobs"
	PermGetBlobs         Permission = "GetBlobs"
	PermPutBlobs         Permission = "PutBlobs"
	PermSendEvents       Permission = "SendEvents"
	PermExecuteWorkflows Permission = "ExecuteWorkflows"
	PermManageUsers      Permission = "ManageUsers"
	PermExecute          Permission = "Execute"
	PermAdmin            Permission = "Admin"
	PermRead             Permission = "Read"
	PermWrite            Permission = "Write"
)

// Limits bounds a tenant's request volume.
type Limits struct {
	MaxConcurrentRequests int64
	RequestsPerMinute     int64
	Services              ratelimit.ServiceLimits
}

// DefaultLimits returns the stock per-tenant resource limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentRequests: 10,
		RequestsPerMinute:     100,
		Services:              ratelimit.DefaultServiceLimits(),
	}
}

// Context is the identity and policy for one principal.
type Context struct {
	TenantID    string
	UserID      string
	Type        ContextType
	OrgID       string // set for organizational contexts
	OrgName     string
	Role        Role
	Permissions []Permission
	Region      string
	Limits      Limits
}

// ID returns the effective context identifier used to partition storage,
// sub-servers, and rate-limit buckets at the tenancy boundary.
func (c *Context) ID() string {
	if c.Type == ContextOrganization {
		return fmt.Sprintf("org-%s", c.OrgID)
	}
	return fmt.Sprintf("personal-%s", c.UserID)
}

// NamespacePrefix returns the key prefix applied to KV and event storage.
func (c *Context) NamespacePrefix() string {
	if c.Type == ContextOrganization {
		return fmt.Sprintf("org:%s:user:%s", c.OrgID, c.UserID)
	}
	return fmt.Sprintf("user:%s", c.UserID)
}

// HasPermission reports whether the context grants p. Admins hold every
// permission regardless of the explicit list.
func (c *Context) HasPermission(p Permission) bool {
	if c.Role == RoleAdmin {
		return true
	}
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

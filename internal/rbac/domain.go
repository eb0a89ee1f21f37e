package rbac

import "time"

// Status marks roles and permissions as usable or parked.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Permission represents an atomic capability identified by a <module>.<action> slug.
type Permission struct {
	ID          int64
	Slug        string
	Name        string
	Module      string
	Description string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the permission participates in authorization.
func (p Permission) Active() bool {
	return p.Status == StatusActive
}

// Role represents a named permission grouping.
type Role struct {
	ID          int64
	Name        string
	Slug        string
	Description string
	IsSystem    bool
	Status      Status
	// Level orders roles for display only.
	Level     *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether principals holding the role may be authorized.
func (r Role) Active() bool {
	return r.Status == StatusActive
}

// Assignment ties a permission to a role.
type Assignment struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// Principal describes the authenticated actor. It is produced by the
// authentication collaborator and never persisted here.
type Principal struct {
	UserID       int64
	EmployeeID   *int64
	RoleSlug     string
	DepartmentID *int64
}

// ModuleGroup lists the permissions of one catalog module.
type ModuleGroup struct {
	Module      string
	Permissions []Permission
}

// GrantSnapshot is the role state the guard decides from. It is read once per
// decision and holds only active permission slugs.
type GrantSnapshot struct {
	Role  Role
	Slugs map[string]struct{}
}

// Has reports whether slug is granted by the snapshot.
func (s GrantSnapshot) Has(slug string) bool {
	_, ok := s.Slugs[slug]
	return ok
}

// PermissionFilter narrows catalog listings.
type PermissionFilter struct {
	Module string
	Search string
}

// RoleFilter narrows role listings.
type RoleFilter struct {
	Status Status
	Search string
}

// ReplaceResult reports the net mutation of a ReplaceRolePermissions call.
type ReplaceResult struct {
	RoleID  int64
	Added   int
	Removed int
}

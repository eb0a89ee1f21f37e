package rbac

import "context"

// Reader exposes the read side of RBAC persistence.
type Reader interface {
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionBySlug(ctx context.Context, slug string) (Permission, error)
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)

	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleBySlug(ctx context.Context, slug string) (Role, error)
	// GetRoleByName matches names case-insensitively.
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error)

	ListPermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error)
	ListRolesForPermission(ctx context.Context, permissionID int64) ([]Role, error)

	// LoadGrantSnapshot reads a role and its active permission slugs in a
	// single consistent read.
	LoadGrantSnapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error)
}

// TxRepository exposes operations that must run inside a transaction.
type TxRepository interface {
	Reader

	// LockRole loads the role and blocks concurrent writers to it until the
	// transaction ends.
	LockRole(ctx context.Context, id int64) (Role, error)
	PermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error)

	InsertPermission(ctx context.Context, p Permission) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	CountAssignmentsForPermission(ctx context.Context, permissionID int64) (int, error)
	DeleteAssignmentsForPermission(ctx context.Context, permissionID int64) (int, error)

	InsertRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CountRoleReferences(ctx context.Context, roleID int64) (int, error)
	DeleteAssignmentsForRole(ctx context.Context, roleID int64) (int, error)

	AssignedPermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error)
	DetachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error)
}

// Repository is the persistence collaborator for roles, permissions and assignments.
type Repository interface {
	Reader
	// WithTx runs fn atomically; any error rolls every change back.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Hierarchy is the employee-hierarchy collaborator used for TEAM scope.
type Hierarchy interface {
	// ManagedDepartments returns the departments headed by the employee.
	ManagedDepartments(ctx context.Context, employeeID int64) ([]int64, error)
	// DirectReports returns employees whose manager is the employee.
	DirectReports(ctx context.Context, employeeID int64) ([]int64, error)
}

// AuditRecorder receives administrative mutations.
type AuditRecorder interface {
	RecordChange(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any)
}

// AuthorizationPort is what feature code calls before acting or querying.
type AuthorizationPort interface {
	Authorize(ctx context.Context, p *Principal, slug string) (Decision, error)
	AuthorizeAndScope(ctx context.Context, p *Principal, slug string, kind ResourceKind) (ScopedDecision, error)
}

// RoleAdminPort manages roles.
type RoleAdminPort interface {
	CreateRole(ctx context.Context, actorID int64, input CreateRoleInput) (Role, error)
	UpdateRole(ctx context.Context, actorID, id int64, input UpdateRoleInput) (Role, error)
	DeleteRole(ctx context.Context, actorID, id int64) error
	ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
}

// PermissionAdminPort manages the permission catalog.
type PermissionAdminPort interface {
	CreatePermission(ctx context.Context, actorID int64, input CreatePermissionInput) (Permission, error)
	UpdatePermissionStatus(ctx context.Context, actorID, id int64, status Status) (Permission, error)
	DeletePermission(ctx context.Context, actorID, id int64, cascade bool) error
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)
	GroupPermissionsByModule(ctx context.Context) ([]ModuleGroup, error)
}

// AssignmentPort manages role grants.
type AssignmentPort interface {
	ReplaceRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) (ReplaceResult, error)
	ListPermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error)
}

var (
	_ AuthorizationPort   = (*Guard)(nil)
	_ RoleAdminPort       = (*RoleService)(nil)
	_ PermissionAdminPort = (*CatalogService)(nil)
	_ AssignmentPort      = (*LedgerService)(nil)
)

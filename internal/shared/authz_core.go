package shared

// Core platform permissions.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"
)

// HR feature permissions consumed by scoped listings.
const (
	PermEmployeesView = "employees.view"
	PermEmployeesEdit = "employees.edit"

	PermLeavesView    = "leaves.view"
	PermLeavesViewAll = "leaves.view_all"
	PermLeavesApprove = "leaves.approve"

	PermAttendanceView = "attendance.view"
	PermDocumentsView  = "documents.view"
	PermSettingsEdit   = "settings.edit"
)

package users

import "time"

// User represents a user account and the role it holds.
type User struct {
	ID           int64
	Email        string
	Name         string
	IsActive     bool
	RoleID       *int64
	RoleSlug     string
	EmployeeID   *int64
	DepartmentID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

package employees

import "time"

// Employee is a person record visible through scoped listings.
type Employee struct {
	ID           int64
	UserID       *int64
	Name         string
	Email        string
	DepartmentID *int64
	ManagerID    *int64
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Department groups employees under a head.
type Department struct {
	ID        int64
	Name      string
	ManagerID *int64
}

// ListFilter narrows employee listings.
type ListFilter struct {
	DepartmentID *int64
	Search       string
	ActiveOnly   bool
	Page         int
	PerPage      int
}

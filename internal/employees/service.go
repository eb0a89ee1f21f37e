package employees

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Store is the persistence contract the service needs.
type Store interface {
	List(ctx context.Context, pred rbac.Predicate, filter ListFilter) ([]Employee, int, error)
	Get(ctx context.Context, id int64) (Employee, error)
}

// Service serves employee data restricted to the caller's scope.
type Service struct {
	store Store
	authz rbac.AuthorizationPort
}

// NewService constructs a Service.
func NewService(store Store, authz rbac.AuthorizationPort) *Service {
	return &Service{store: store, authz: authz}
}

// Page is one page of a scoped listing.
type Page struct {
	Employees  []Employee
	Scope      rbac.ScopeClass
	Pagination shared.Pagination
}

// List returns the employees the principal may see. A denied principal gets
// ErrForbidden; an allowed one only ever sees rows inside its scope.
func (s *Service) List(ctx context.Context, p *rbac.Principal, filter ListFilter) (Page, error) {
	decision, err := s.authz.AuthorizeAndScope(ctx, p, shared.PermEmployeesView, rbac.ResourceEmployee)
	if err != nil {
		return Page{}, err
	}
	if !decision.Allow {
		return Page{}, fmt.Errorf("%w: %s", shared.ErrForbidden, shared.PermEmployeesView)
	}
	filter.Search = strings.TrimSpace(filter.Search)
	rows, total, err := s.store.List(ctx, decision.Predicate, filter)
	if err != nil {
		return Page{}, fmt.Errorf("list employees: %w", err)
	}
	if rows == nil {
		rows = []Employee{}
	}
	return Page{
		Employees:  rows,
		Scope:      decision.Scope,
		Pagination: shared.NewPagination(filter.Page, filter.PerPage, total),
	}, nil
}

// Get returns one employee when it falls inside the principal's scope.
// Out-of-scope rows are reported as not found.
func (s *Service) Get(ctx context.Context, p *rbac.Principal, id int64) (Employee, error) {
	decision, err := s.authz.AuthorizeAndScope(ctx, p, shared.PermEmployeesView, rbac.ResourceEmployee)
	if err != nil {
		return Employee{}, err
	}
	if !decision.Allow {
		return Employee{}, fmt.Errorf("%w: %s", shared.ErrForbidden, shared.PermEmployeesView)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Employee{}, err
	}
	if !decision.Predicate.Matches(rbac.ResourceRef{OwnerID: e.ID, DepartmentID: e.DepartmentID}) {
		return Employee{}, fmt.Errorf("%w: employee %d", shared.ErrNotFound, id)
	}
	return e, nil
}

package rbac

import (
	"context"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// ScopeClass is the data-visibility category derived from a role.
type ScopeClass string

const (
	ScopeSelf ScopeClass = "SELF"
	ScopeTeam ScopeClass = "TEAM"
	ScopeAll  ScopeClass = "ALL"
)

// Valid reports whether c is a known scope class.
func (c ScopeClass) Valid() bool {
	return c == ScopeSelf || c == ScopeTeam || c == ScopeAll
}

// ScopePolicy maps role slugs to scope classes. It is the only place the
// role-to-visibility rule lives.
type ScopePolicy map[string]ScopeClass

// Role slugs of the bootstrap roles.
const (
	RoleSuperAdmin   = "super-admin"
	RoleHRManager    = "hr-manager"
	RoleHROperations = "hr-operations"
	RoleManager      = "manager"
	RoleEmployee     = "employee"
)

// DefaultScopePolicy returns the built-in policy table.
func DefaultScopePolicy() ScopePolicy {
	return ScopePolicy{
		RoleEmployee:     ScopeSelf,
		RoleManager:      ScopeTeam,
		RoleHROperations: ScopeAll,
		RoleHRManager:    ScopeAll,
		RoleSuperAdmin:   ScopeAll,
	}
}

// ResourceKind names a dataset that scoped queries run against.
type ResourceKind string

const (
	ResourceEmployee   ResourceKind = "employee"
	ResourceLeave      ResourceKind = "leave"
	ResourceAttendance ResourceKind = "attendance"
	ResourceDocument   ResourceKind = "document"
)

// ResourceColumns tells the predicate which columns hold the owner and department.
type ResourceColumns struct {
	Owner      string
	Department string
}

var resourceColumns = map[ResourceKind]ResourceColumns{
	ResourceEmployee:   {Owner: "e.id", Department: "e.department_id"},
	ResourceLeave:      {Owner: "l.employee_id", Department: "l.department_id"},
	ResourceAttendance: {Owner: "a.employee_id", Department: "a.department_id"},
	ResourceDocument:   {Owner: "d.employee_id", Department: "d.department_id"},
}

// Columns returns the column mapping of a resource kind.
func (k ResourceKind) Columns() (ResourceColumns, error) {
	cols, ok := resourceColumns[k]
	if !ok {
		return ResourceColumns{}, fmt.Errorf("%w: unknown resource kind %q", shared.ErrValidation, k)
	}
	return cols, nil
}

// PredicateKind tags a Predicate.
type PredicateKind int

const (
	// PredicateNone matches no rows.
	PredicateNone PredicateKind = iota
	// PredicateAll matches every row.
	PredicateAll
	// PredicateOwner matches rows owned by OwnerID.
	PredicateOwner
	// PredicateDepartments matches rows whose department is in DepartmentIDs.
	PredicateDepartments
)

func (k PredicateKind) String() string {
	switch k {
	case PredicateAll:
		return "all"
	case PredicateOwner:
		return "owner"
	case PredicateDepartments:
		return "departments"
	default:
		return "none"
	}
}

// Predicate restricts the rows of a resource kind. The zero value matches nothing.
type Predicate struct {
	Kind          PredicateKind
	Resource      ResourceKind
	OwnerID       int64
	DepartmentIDs []int64
}

// ResourceRef is the minimal projection of a row a predicate needs.
type ResourceRef struct {
	OwnerID      int64
	DepartmentID *int64
}

// Matches evaluates the predicate against an in-memory row.
func (p Predicate) Matches(ref ResourceRef) bool {
	switch p.Kind {
	case PredicateAll:
		return true
	case PredicateOwner:
		return ref.OwnerID == p.OwnerID
	case PredicateDepartments:
		if ref.DepartmentID == nil {
			return false
		}
		for _, id := range p.DepartmentIDs {
			if id == *ref.DepartmentID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Sqlizer renders the predicate as a WHERE fragment for its resource kind.
func (p Predicate) Sqlizer() (sq.Sqlizer, error) {
	cols, err := p.Resource.Columns()
	if err != nil {
		return nil, err
	}
	switch p.Kind {
	case PredicateAll:
		return sq.Expr("1=1"), nil
	case PredicateOwner:
		return sq.Eq{cols.Owner: p.OwnerID}, nil
	case PredicateDepartments:
		if len(p.DepartmentIDs) == 0 {
			return sq.Expr("1=0"), nil
		}
		return sq.Eq{cols.Department: p.DepartmentIDs}, nil
	default:
		return sq.Expr("1=0"), nil
	}
}

// ScopeResolver turns principals into scope classes and row predicates.
type ScopeResolver struct {
	policy    ScopePolicy
	hierarchy Hierarchy
}

// NewScopeResolver constructs a resolver. A nil policy uses DefaultScopePolicy.
func NewScopeResolver(policy ScopePolicy, hierarchy Hierarchy) *ScopeResolver {
	if policy == nil {
		policy = DefaultScopePolicy()
	}
	return &ScopeResolver{policy: policy, hierarchy: hierarchy}
}

// ResolveScope returns the scope class of the principal's role. Roles missing
// from the policy table get SELF.
func (r *ScopeResolver) ResolveScope(p Principal) ScopeClass {
	if class, ok := r.policy[normalizeSlug(p.RoleSlug)]; ok && class.Valid() {
		return class
	}
	return ScopeSelf
}

// BuildPredicate returns the predicate the principal's queries over kind must apply.
//
// TEAM covers the departments the manager heads plus the departments headed by
// anyone in the manager's reporting subtree, so a manager who heads no
// department still sees the departments run by their reports. Only a manager
// with neither gets the zero-row predicate.
func (r *ScopeResolver) BuildPredicate(ctx context.Context, p Principal, kind ResourceKind) (Predicate, error) {
	if _, err := kind.Columns(); err != nil {
		return Predicate{}, err
	}
	none := Predicate{Kind: PredicateNone, Resource: kind}
	switch r.ResolveScope(p) {
	case ScopeAll:
		return Predicate{Kind: PredicateAll, Resource: kind}, nil
	case ScopeTeam:
		if p.EmployeeID == nil {
			return Predicate{Kind: PredicateDepartments, Resource: kind, DepartmentIDs: []int64{}}, nil
		}
		depts, err := r.teamDepartments(ctx, *p.EmployeeID)
		if err != nil {
			return none, err
		}
		return Predicate{Kind: PredicateDepartments, Resource: kind, DepartmentIDs: depts}, nil
	default:
		if p.EmployeeID == nil {
			return none, nil
		}
		return Predicate{Kind: PredicateOwner, Resource: kind, OwnerID: *p.EmployeeID}, nil
	}
}

// teamDepartments collects the departments headed by the manager or by anyone
// in the manager's reporting subtree. A management cycle is a validation error.
func (r *ScopeResolver) teamDepartments(ctx context.Context, managerID int64) ([]int64, error) {
	if r.hierarchy == nil {
		return nil, fmt.Errorf("rbac: team scope requires an employee hierarchy")
	}
	visited := map[int64]struct{}{managerID: {}}
	queue := []int64{managerID}
	depts := make(map[int64]struct{})
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		managed, err := r.hierarchy.ManagedDepartments(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("managed departments of %d: %w", current, err)
		}
		for _, id := range managed {
			depts[id] = struct{}{}
		}

		reports, err := r.hierarchy.DirectReports(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("direct reports of %d: %w", current, err)
		}
		for _, id := range reports {
			if _, seen := visited[id]; seen {
				return nil, fmt.Errorf("%w: management cycle through employee %d", shared.ErrValidation, id)
			}
			visited[id] = struct{}{}
			queue = append(queue, id)
		}
	}
	out := make([]int64, 0, len(depts))
	for id := range depts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

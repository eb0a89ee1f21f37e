package employees

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const employeeColumns = "e.id, e.user_id, e.name, e.email, e.department_id, e.manager_id, e.is_active, e.created_at, e.updated_at"

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence and implements rbac.Hierarchy.
type Repository struct {
	pool Querier
}

// NewRepository constructs a repository.
func NewRepository(pool Querier) *Repository {
	return &Repository{pool: pool}
}

var _ rbac.Hierarchy = (*Repository)(nil)

// ManagedDepartments returns the departments headed by the employee.
func (r *Repository) ManagedDepartments(ctx context.Context, employeeID int64) ([]int64, error) {
	return r.ids(ctx, psql.Select("id").From("departments").Where(sq.Eq{"manager_id": employeeID}).OrderBy("id"))
}

// DirectReports returns the employees whose manager is the employee.
func (r *Repository) DirectReports(ctx context.Context, employeeID int64) ([]int64, error) {
	return r.ids(ctx, psql.Select("id").From("employees").Where(sq.Eq{"manager_id": employeeID}).OrderBy("id"))
}

// List returns the page of employees matching the scope predicate and filter.
func (r *Repository) List(ctx context.Context, pred rbac.Predicate, filter ListFilter) ([]Employee, int, error) {
	where, err := listConditions(pred, filter)
	if err != nil {
		return nil, 0, err
	}
	countSQL, countArgs, err := psql.Select("COUNT(*)").From("employees e").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	sqlStr, args, err := psql.Select(employeeColumns).
		From("employees e").
		Where(where).
		OrderBy("e.name", "e.id").
		Limit(uint64(page.PerPage)).
		Offset(uint64(page.Offset())).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Get loads one employee.
func (r *Repository) Get(ctx context.Context, id int64) (Employee, error) {
	sqlStr, args, err := psql.Select(employeeColumns).From("employees e").Where(sq.Eq{"e.id": id}).ToSql()
	if err != nil {
		return Employee{}, err
	}
	e, err := scanEmployee(r.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, fmt.Errorf("%w: employee %d", shared.ErrNotFound, id)
	}
	return e, err
}

func listConditions(pred rbac.Predicate, filter ListFilter) (sq.And, error) {
	scope, err := pred.Sqlizer()
	if err != nil {
		return nil, err
	}
	where := sq.And{scope}
	if filter.DepartmentID != nil {
		where = append(where, sq.Eq{"e.department_id": *filter.DepartmentID})
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		where = append(where, sq.Or{sq.ILike{"e.name": like}, sq.ILike{"e.email": like}})
	}
	if filter.ActiveOnly {
		where = append(where, sq.Eq{"e.is_active": true})
	}
	return where, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (Employee, error) {
	var e Employee
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.Email, &e.DepartmentID, &e.ManagerID, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (r *Repository) ids(ctx context.Context, query sq.SelectBuilder) ([]int64, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool Querier
}

// NewRepository constructs a repository.
func NewRepository(pool Querier) *Repository {
	return &Repository{pool: pool}
}

func userQuery() sq.SelectBuilder {
	return psql.Select(
		"u.id", "u.email", "u.name", "u.is_active", "u.role_id", "COALESCE(r.slug, '')",
		"e.id", "e.department_id", "u.created_at", "u.updated_at",
	).
		From("users u").
		LeftJoin("roles r ON r.id = u.role_id").
		LeftJoin("employees e ON e.user_id = u.id")
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.RoleID, &u.RoleSlug, &u.EmployeeID, &u.DepartmentID, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	sqlStr, args, err := userQuery().OrderBy("u.name", "u.id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser loads one user with its role slug and employee link.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	sqlStr, args, err := userQuery().Where(sq.Eq{"u.id": id}).ToSql()
	if err != nil {
		return User{}, err
	}
	u, err := scanUser(r.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("%w: user %d", shared.ErrNotFound, id)
	}
	return u, err
}

// SetRole points the user at roleID.
func (r *Repository) SetRole(ctx context.Context, userID, roleID int64) error {
	sqlStr, args, err := psql.Update("users").
		Set("role_id", roleID).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: role %d does not exist", shared.ErrNotFound, roleID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	return nil
}

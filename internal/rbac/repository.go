package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	permissionColumns = "p.id, p.slug, p.name, p.module, p.description, p.status, p.created_at, p.updated_at"
	roleColumns       = "r.id, r.name, r.slug, r.description, r.is_system, r.status, r.level, r.created_at, r.updated_at"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the part of *pgxpool.Pool the repository uses.
type Pool interface {
	dbtx
	db.TxBeginner
}

// PostgresRepository persists the RBAC model in PostgreSQL.
type PostgresRepository struct {
	pool Pool
	pgStore
}

// NewPostgresRepository constructs a repository over the pool.
func NewPostgresRepository(pool Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, pgStore: pgStore{db: pool}}
}

// WithTx runs fn in a read-committed transaction. Writers serialise on the
// role row through LockRole.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgStore{db: tx})
	})
}

type pgStore struct {
	db dbtx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (Permission, error) {
	var (
		p      Permission
		status string
	)
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Module, &p.Description, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Permission{}, err
	}
	p.Status = Status(status)
	return p, nil
}

func scanRole(row rowScanner, extra ...any) (Role, error) {
	var (
		r      Role
		status string
		level  *int32
	)
	dest := append([]any{&r.ID, &r.Name, &r.Slug, &r.Description, &r.IsSystem, &status, &level, &r.CreatedAt, &r.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Role{}, err
	}
	r.Status = Status(status)
	if level != nil {
		v := int(*level)
		r.Level = &v
	}
	return r, nil
}

func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", shared.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s already exists", shared.ErrConflict, what)
		case "23503":
			return fmt.Errorf("%w: %s is still referenced", shared.ErrConflict, what)
		}
	}
	return err
}

func (s *pgStore) queryPermissions(ctx context.Context, query sq.SelectBuilder) ([]Permission, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgStore) queryRoles(ctx context.Context, query sq.SelectBuilder) ([]Role, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) getPermission(ctx context.Context, what string, where sq.Sqlizer) (Permission, error) {
	sqlStr, args, err := psql.Select(permissionColumns).From("permissions p").Where(where).ToSql()
	if err != nil {
		return Permission{}, err
	}
	p, err := scanPermission(s.db.QueryRow(ctx, sqlStr, args...))
	return p, mapError(err, what)
}

func (s *pgStore) getRole(ctx context.Context, what string, where sq.Sqlizer, suffix string) (Role, error) {
	query := psql.Select(roleColumns).From("roles r").Where(where)
	if suffix != "" {
		query = query.Suffix(suffix)
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return Role{}, err
	}
	r, err := scanRole(s.db.QueryRow(ctx, sqlStr, args...))
	return r, mapError(err, what)
}

// GetPermission loads a permission by id.
func (s *pgStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.getPermission(ctx, fmt.Sprintf("permission %d", id), sq.Eq{"p.id": id})
}

// GetPermissionBySlug loads a permission by slug.
func (s *pgStore) GetPermissionBySlug(ctx context.Context, slug string) (Permission, error) {
	return s.getPermission(ctx, fmt.Sprintf("permission %q", slug), sq.Eq{"p.slug": slug})
}

// ListPermissions returns catalog entries matching filter.
func (s *pgStore) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	query := psql.Select(permissionColumns).From("permissions p").OrderBy("p.module", "p.name", "p.id")
	if filter.Module != "" {
		query = query.Where(sq.Eq{"p.module": filter.Module})
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where(sq.Or{sq.ILike{"p.name": like}, sq.ILike{"p.slug": like}})
	}
	return s.queryPermissions(ctx, query)
}

// GetRole loads a role by id.
func (s *pgStore) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.getRole(ctx, fmt.Sprintf("role %d", id), sq.Eq{"r.id": id}, "")
}

// GetRoleBySlug loads a role by slug.
func (s *pgStore) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	return s.getRole(ctx, fmt.Sprintf("role %q", slug), sq.Eq{"r.slug": slug}, "")
}

// GetRoleByName loads a role by case-insensitive name.
func (s *pgStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.getRole(ctx, fmt.Sprintf("role %q", name), sq.Expr("lower(r.name) = lower(?)", name), "")
}

// ListRoles returns roles matching filter, newest first.
func (s *pgStore) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	query := psql.Select(roleColumns).From("roles r").OrderBy("r.created_at DESC", "r.id DESC")
	if filter.Status != "" {
		query = query.Where(sq.Eq{"r.status": string(filter.Status)})
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where(sq.Or{sq.ILike{"r.name": like}, sq.ILike{"r.slug": like}})
	}
	return s.queryRoles(ctx, query)
}

// ListPermissionsForRole returns the permissions assigned to the role.
func (s *pgStore) ListPermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	query := psql.Select(permissionColumns).
		From("permissions p").
		Join("role_permissions rp ON rp.permission_id = p.id").
		Where(sq.Eq{"rp.role_id": roleID}).
		OrderBy("p.module", "p.name", "p.id")
	return s.queryPermissions(ctx, query)
}

// ListRolesForPermission returns the roles holding the permission.
func (s *pgStore) ListRolesForPermission(ctx context.Context, permissionID int64) ([]Role, error) {
	query := psql.Select(roleColumns).
		From("roles r").
		Join("role_permissions rp ON rp.role_id = r.id").
		Where(sq.Eq{"rp.permission_id": permissionID}).
		OrderBy("r.created_at DESC", "r.id DESC")
	return s.queryRoles(ctx, query)
}

// LoadGrantSnapshot reads the role and its active permission slugs in one statement.
func (s *pgStore) LoadGrantSnapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error) {
	sqlStr, args, err := psql.Select(roleColumns, "p.slug").
		From("roles r").
		LeftJoin("role_permissions rp ON rp.role_id = r.id").
		LeftJoin("permissions p ON p.id = rp.permission_id AND p.status = 'active'").
		Where(sq.Eq{"r.slug": roleSlug}).
		ToSql()
	if err != nil {
		return GrantSnapshot{}, err
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return GrantSnapshot{}, err
	}
	defer rows.Close()

	snap := GrantSnapshot{Slugs: make(map[string]struct{})}
	found := false
	for rows.Next() {
		var slug *string
		role, err := scanRole(rows, &slug)
		if err != nil {
			return GrantSnapshot{}, err
		}
		snap.Role = role
		found = true
		if slug != nil {
			snap.Slugs[*slug] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return GrantSnapshot{}, err
	}
	if !found {
		return GrantSnapshot{}, fmt.Errorf("%w: role %q", shared.ErrNotFound, roleSlug)
	}
	return snap, nil
}

// LockRole loads the role with a row lock held until the transaction ends.
func (s *pgStore) LockRole(ctx context.Context, id int64) (Role, error) {
	return s.getRole(ctx, fmt.Sprintf("role %d", id), sq.Eq{"r.id": id}, "FOR UPDATE")
}

// PermissionsByIDs loads the permissions among ids that exist.
func (s *pgStore) PermissionsByIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryPermissions(ctx, psql.Select(permissionColumns).From("permissions p").Where(sq.Eq{"p.id": ids}))
}

// InsertPermission stores a new permission.
func (s *pgStore) InsertPermission(ctx context.Context, p Permission) (Permission, error) {
	sqlStr, args, err := psql.Insert("permissions").
		Columns("slug", "name", "module", "description", "status").
		Values(p.Slug, p.Name, p.Module, p.Description, string(p.Status)).
		Suffix("RETURNING id, slug, name, module, description, status, created_at, updated_at").
		ToSql()
	if err != nil {
		return Permission{}, err
	}
	created, err := scanPermission(s.db.QueryRow(ctx, sqlStr, args...))
	return created, mapError(err, fmt.Sprintf("permission %q", p.Slug))
}

// UpdatePermission writes every mutable column of p.
func (s *pgStore) UpdatePermission(ctx context.Context, p Permission) (Permission, error) {
	sqlStr, args, err := psql.Update("permissions").
		Set("slug", p.Slug).
		Set("name", p.Name).
		Set("module", p.Module).
		Set("description", p.Description).
		Set("status", string(p.Status)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": p.ID}).
		Suffix("RETURNING id, slug, name, module, description, status, created_at, updated_at").
		ToSql()
	if err != nil {
		return Permission{}, err
	}
	updated, err := scanPermission(s.db.QueryRow(ctx, sqlStr, args...))
	return updated, mapError(err, fmt.Sprintf("permission %d", p.ID))
}

// DeletePermission removes the permission row.
func (s *pgStore) DeletePermission(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, "permissions", id, fmt.Sprintf("permission %d", id))
}

// CountAssignmentsForPermission counts the roles holding the permission.
func (s *pgStore) CountAssignmentsForPermission(ctx context.Context, permissionID int64) (int, error) {
	return s.count(ctx, psql.Select("COUNT(*)").From("role_permissions").Where(sq.Eq{"permission_id": permissionID}))
}

// DeleteAssignmentsForPermission removes the permission from every role.
func (s *pgStore) DeleteAssignmentsForPermission(ctx context.Context, permissionID int64) (int, error) {
	return s.exec(ctx, psql.Delete("role_permissions").Where(sq.Eq{"permission_id": permissionID}))
}

// InsertRole stores a new role.
func (s *pgStore) InsertRole(ctx context.Context, r Role) (Role, error) {
	sqlStr, args, err := psql.Insert("roles").
		Columns("name", "slug", "description", "is_system", "status", "level").
		Values(r.Name, r.Slug, r.Description, r.IsSystem, string(r.Status), r.Level).
		Suffix("RETURNING id, name, slug, description, is_system, status, level, created_at, updated_at").
		ToSql()
	if err != nil {
		return Role{}, err
	}
	created, err := scanRole(s.db.QueryRow(ctx, sqlStr, args...))
	return created, mapError(err, fmt.Sprintf("role %q", r.Slug))
}

// UpdateRole writes every mutable column of r. is_system is never updated.
func (s *pgStore) UpdateRole(ctx context.Context, r Role) (Role, error) {
	sqlStr, args, err := psql.Update("roles").
		Set("name", r.Name).
		Set("slug", r.Slug).
		Set("description", r.Description).
		Set("status", string(r.Status)).
		Set("level", r.Level).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": r.ID}).
		Suffix("RETURNING id, name, slug, description, is_system, status, level, created_at, updated_at").
		ToSql()
	if err != nil {
		return Role{}, err
	}
	updated, err := scanRole(s.db.QueryRow(ctx, sqlStr, args...))
	return updated, mapError(err, fmt.Sprintf("role %d", r.ID))
}

// DeleteRole removes the role row.
func (s *pgStore) DeleteRole(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, "roles", id, fmt.Sprintf("role %d", id))
}

// CountRoleReferences counts the users holding the role.
func (s *pgStore) CountRoleReferences(ctx context.Context, roleID int64) (int, error) {
	return s.count(ctx, psql.Select("COUNT(*)").From("users").Where(sq.Eq{"role_id": roleID}))
}

// DeleteAssignmentsForRole removes every grant of the role.
func (s *pgStore) DeleteAssignmentsForRole(ctx context.Context, roleID int64) (int, error) {
	return s.exec(ctx, psql.Delete("role_permissions").Where(sq.Eq{"role_id": roleID}))
}

// AssignedPermissionIDs lists the permission ids currently granted to the role.
func (s *pgStore) AssignedPermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	sqlStr, args, err := psql.Select("permission_id").
		From("role_permissions").
		Where(sq.Eq{"role_id": roleID}).
		OrderBy("permission_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// AttachPermissions grants ids to the role, skipping pairs that already exist.
func (s *pgStore) AttachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	if len(permissionIDs) == 0 {
		return 0, nil
	}
	insert := psql.Insert("role_permissions").Columns("role_id", "permission_id")
	for _, id := range permissionIDs {
		insert = insert.Values(roleID, id)
	}
	sqlStr, args, err := insert.Suffix("ON CONFLICT (role_id, permission_id) DO NOTHING").ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, mapError(err, fmt.Sprintf("role %d assignments", roleID))
	}
	return int(tag.RowsAffected()), nil
}

// DetachPermissions revokes ids from the role.
func (s *pgStore) DetachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	if len(permissionIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("role_permissions").Where(sq.Eq{"role_id": roleID, "permission_id": permissionIDs}))
}

func (s *pgStore) deleteRow(ctx context.Context, table string, id int64, what string) error {
	n, err := s.exec(ctx, psql.Delete(table).Where(sq.Eq{"id": id}))
	if err != nil {
		return mapError(err, what)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", shared.ErrNotFound, what)
	}
	return nil
}

func (s *pgStore) count(ctx context.Context, query sq.SelectBuilder) (int, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *pgStore) exec(ctx context.Context, stmt sq.Sqlizer) (int, error) {
	sqlStr, args, err := stmt.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var (
	_ Repository   = (*PostgresRepository)(nil)
	_ TxRepository = (*pgStore)(nil)
)

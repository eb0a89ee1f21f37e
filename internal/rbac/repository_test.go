package rbac

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var (
	roleColumnNames       = []string{"id", "name", "slug", "description", "is_system", "status", "level", "created_at", "updated_at"}
	permissionColumnNames = []string{"id", "slug", "name", "module", "description", "status", "created_at", "updated_at"}
	repoTestTime          = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

func newMockRepository(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func sqlFragment(s string) string {
	return regexp.QuoteMeta(s)
}

func managerRoleRow(extra ...any) []any {
	level := int32(4)
	row := []any{int64(4), "Manager", "manager", "Line manager", true, "active", &level, repoTestTime, repoTestTime}
	return append(row, extra...)
}

func permissionRow(id int64, slug, status string) []any {
	module, _, _ := strings.Cut(slug, ".")
	return []any{id, slug, slug, module, "", status, repoTestTime, repoTestTime}
}

func TestPostgresLoadGrantSnapshotKeepsOnlyActiveSlugs(t *testing.T) {
	repo, mock := newMockRepository(t)

	approve := "leaves.approve"
	view := "leaves.view_all"
	rows := pgxmock.NewRows(append(roleColumnNames, "slug")).
		AddRow(managerRoleRow(&approve)...).
		AddRow(managerRoleRow(&view)...).
		AddRow(managerRoleRow((*string)(nil))...)
	mock.ExpectQuery(sqlFragment("LEFT JOIN role_permissions rp ON rp.role_id = r.id LEFT JOIN permissions p ON p.id = rp.permission_id AND p.status = 'active' WHERE r.slug = $1")).
		WithArgs("manager").
		WillReturnRows(rows)

	snap, err := repo.LoadGrantSnapshot(context.Background(), "manager")
	require.NoError(t, err)
	assert.Equal(t, "manager", snap.Role.Slug)
	assert.True(t, snap.Role.IsSystem)
	require.NotNil(t, snap.Role.Level)
	assert.Equal(t, 4, *snap.Role.Level)
	assert.Equal(t, map[string]struct{}{approve: {}, view: {}}, snap.Slugs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadGrantSnapshotUnknownRole(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(sqlFragment("FROM roles r")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows(append(roleColumnNames, "slug")))

	_, err := repo.LoadGrantSnapshot(context.Background(), "ghost")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookupsMapNoRows(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(sqlFragment("FROM roles r WHERE r.id = $1")).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(sqlFragment("FROM permissions p WHERE p.slug = $1")).
		WithArgs("leaves.nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetRole(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = repo.GetPermissionBySlug(context.Background(), "leaves.nope")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConstraintViolationsBecomeConflicts(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(sqlFragment("INSERT INTO roles (name,slug,description,is_system,status,level) VALUES ($1,$2,$3,$4,$5,$6) RETURNING")).
		WithArgs("Recruiter", "recruiter", "", false, "active", (*int)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "roles_slug_key"})
	mock.ExpectExec(sqlFragment("DELETE FROM permissions WHERE id = $1")).
		WithArgs(int64(12)).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectExec(sqlFragment("DELETE FROM roles WHERE id = $1")).
		WithArgs(int64(40)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	_, err := repo.InsertRole(context.Background(), Role{Name: "Recruiter", Slug: "recruiter", Status: StatusActive})
	require.ErrorIs(t, err, shared.ErrConflict)

	err = repo.DeletePermission(context.Background(), 12)
	require.ErrorIs(t, err, shared.ErrConflict)

	err = repo.DeleteRole(context.Background(), 40)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountRoleReferences(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(sqlFragment("SELECT COUNT(*) FROM users WHERE role_id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := repo.CountRoleReferences(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectLockedManager(mock pgxmock.PgxPoolIface) {
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(sqlFragment("FROM roles r WHERE r.id = $1 FOR UPDATE")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows(roleColumnNames).AddRow(managerRoleRow()...))
}

func TestPostgresReplaceRunsInOneTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)
	ledger := NewLedgerService(repo, Options{})

	expectLockedManager(mock)
	mock.ExpectQuery(sqlFragment("FROM permissions p WHERE p.id IN ($1,$2)")).
		WithArgs(int64(3), int64(5)).
		WillReturnRows(pgxmock.NewRows(permissionColumnNames).
			AddRow(permissionRow(3, "leaves.view_all", "active")...).
			AddRow(permissionRow(5, "attendance.view", "active")...))
	mock.ExpectQuery(sqlFragment("SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"permission_id"}).AddRow(int64(1)).AddRow(int64(3)))
	mock.ExpectExec(sqlFragment("DELETE FROM role_permissions WHERE permission_id IN ($1) AND role_id = $2")).
		WithArgs(int64(1), int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(sqlFragment("INSERT INTO role_permissions (role_id,permission_id) VALUES ($1,$2) ON CONFLICT (role_id, permission_id) DO NOTHING")).
		WithArgs(int64(4), int64(5)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	result, err := ledger.ReplaceRolePermissions(context.Background(), 1, 4, []int64{5, 3, 5})
	require.NoError(t, err)
	assert.Equal(t, ReplaceResult{RoleID: 4, Added: 1, Removed: 1}, result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceRollsBackOnAttachFailure(t *testing.T) {
	repo, mock := newMockRepository(t)
	ledger := NewLedgerService(repo, Options{})

	expectLockedManager(mock)
	mock.ExpectQuery(sqlFragment("FROM permissions p WHERE p.id IN ($1)")).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(permissionColumnNames).AddRow(permissionRow(5, "attendance.view", "active")...))
	mock.ExpectQuery(sqlFragment("SELECT permission_id FROM role_permissions")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"permission_id"}).AddRow(int64(1)))
	mock.ExpectExec(sqlFragment("DELETE FROM role_permissions")).
		WithArgs(int64(1), int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(sqlFragment("INSERT INTO role_permissions")).
		WithArgs(int64(4), int64(5)).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := ledger.ReplaceRolePermissions(context.Background(), 1, 4, []int64{5})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceRejectsInactiveBeforeWriting(t *testing.T) {
	repo, mock := newMockRepository(t)
	ledger := NewLedgerService(repo, Options{})

	expectLockedManager(mock)
	mock.ExpectQuery(sqlFragment("FROM permissions p WHERE p.id IN ($1,$2)")).
		WithArgs(int64(3), int64(9)).
		WillReturnRows(pgxmock.NewRows(permissionColumnNames).
			AddRow(permissionRow(3, "leaves.view_all", "active")...).
			AddRow(permissionRow(9, "settings.edit", "inactive")...))
	mock.ExpectRollback()

	_, err := ledger.ReplaceRolePermissions(context.Background(), 1, 4, []int64{3, 9})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

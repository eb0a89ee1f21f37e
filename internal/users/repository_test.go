package users

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

func newMockRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func TestRepositoryGetUserJoinsRoleAndEmployee(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	roleID, employeeID, deptID := int64(4), int64(20), int64(1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users u LEFT JOIN roles r ON r.id = u.role_id LEFT JOIN employees e ON e.user_id = u.id WHERE u.id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "name", "is_active", "role_id", "slug", "employee_id", "department_id", "created_at", "updated_at"}).
			AddRow(int64(7), "mira@example.com", "Mira", true, &roleID, "manager", &employeeID, &deptID, now, now))

	u, err := repo.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "manager", u.RoleSlug)
	require.NotNil(t, u.EmployeeID)
	assert.Equal(t, int64(20), *u.EmployeeID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetUserNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE u.id = $1")).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetUser(context.Background(), 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySetRole(t *testing.T) {
	updateSQL := regexp.QuoteMeta("UPDATE users SET role_id = $1, updated_at = $2 WHERE id = $3")

	t.Run("updates the row", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(updateSQL).
			WithArgs(int64(4), pgxmock.AnyArg(), int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, repo.SetRole(context.Background(), 7, 4))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(updateSQL).
			WithArgs(int64(4), pgxmock.AnyArg(), int64(404)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		err := repo.SetRole(context.Background(), 404, 4)
		require.ErrorIs(t, err, shared.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown role", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(updateSQL).
			WithArgs(int64(99), pgxmock.AnyArg(), int64(7)).
			WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "users_role_id_fkey"})
		err := repo.SetRole(context.Background(), 7, 99)
		require.ErrorIs(t, err, shared.ErrNotFound)
		assert.Contains(t, err.Error(), "role 99")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

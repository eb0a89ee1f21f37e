package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	_ "github.com/odyssey-erp/odyssey-hr/testing"
)

// ============================================================================
// MOCK DEPENDENCIES
// ============================================================================

type mockRepository struct {
	users map[int64]User
	roles map[int64]string
}

func (m *mockRepository) ListUsers(context.Context) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for id := int64(1); id <= int64(len(m.users)); id++ {
		out = append(out, m.users[id])
	}
	return out, nil
}

func (m *mockRepository) GetUser(_ context.Context, id int64) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %d", shared.ErrNotFound, id)
	}
	return u, nil
}

func (m *mockRepository) SetRole(_ context.Context, userID, roleID int64) error {
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	u.RoleID = &roleID
	u.RoleSlug = m.roles[roleID]
	m.users[userID] = u
	return nil
}

type auditCall struct {
	actor  int64
	action string
	entity int64
}

type recordingAudit struct {
	calls []auditCall
}

func (a *recordingAudit) RecordChange(_ context.Context, actorID int64, action, _ string, entityID int64, _ map[string]any) {
	a.calls = append(a.calls, auditCall{actor: actorID, action: action, entity: entityID})
}

type fixture struct {
	repo     *mockRepository
	audit    *recordingAudit
	rbacRepo *rbac.MemoryRepository
	services *rbac.Services
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	rbacRepo := rbac.NewMemoryRepository()
	manifest, err := rbac.DefaultManifest()
	require.NoError(t, err)
	_, err = rbac.Bootstrap(ctx, rbacRepo, manifest, rbac.Options{})
	require.NoError(t, err)
	services := rbac.NewServices(rbacRepo, nil, manifest.ScopePolicy(), nil, rbac.Options{})

	roles, err := rbacRepo.ListRoles(ctx, rbac.RoleFilter{})
	require.NoError(t, err)
	slugs := make(map[int64]string, len(roles))
	ids := make(map[string]int64, len(roles))
	for _, r := range roles {
		slugs[r.ID] = r.Slug
		ids[r.Slug] = r.ID
	}
	adminRole, hrRole, employeeRole := ids[rbac.RoleSuperAdmin], ids[rbac.RoleHRManager], ids[rbac.RoleEmployee]
	emp := int64(30)
	repo := &mockRepository{
		roles: slugs,
		users: map[int64]User{
			1: {ID: 1, Email: "admin@odyssey.local", IsActive: true, RoleID: &adminRole, RoleSlug: rbac.RoleSuperAdmin},
			2: {ID: 2, Email: "hr@odyssey.local", IsActive: true, RoleID: &hrRole, RoleSlug: rbac.RoleHRManager},
			3: {ID: 3, Email: "dev@odyssey.local", IsActive: true, RoleID: &employeeRole, RoleSlug: rbac.RoleEmployee, EmployeeID: &emp},
			4: {ID: 4, Email: "gone@odyssey.local", IsActive: false, RoleID: &employeeRole, RoleSlug: rbac.RoleEmployee},
		},
	}
	audit := &recordingAudit{}
	return &fixture{
		repo:     repo,
		audit:    audit,
		rbacRepo: rbacRepo,
		services: services,
		service:  NewService(repo, services.Roles, audit, nil),
	}
}

func (f *fixture) roleID(t *testing.T, slug string) int64 {
	t.Helper()
	r, err := f.rbacRepo.GetRoleBySlug(context.Background(), slug)
	require.NoError(t, err)
	return r.ID
}

func TestResolvePrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.service.ResolvePrincipal(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleEmployee, p.RoleSlug)
	require.NotNil(t, p.EmployeeID)
	assert.Equal(t, int64(30), *p.EmployeeID)

	_, err = f.service.ResolvePrincipal(ctx, 4)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.service.ResolvePrincipal(ctx, 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.roleID(t, rbac.RoleManager)

	u, err := f.service.AssignRole(ctx, 1, 3, manager)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleManager, u.RoleSlug)
	require.Len(t, f.audit.calls, 1)
	assert.Equal(t, auditCall{actor: 1, action: "user.role.assign", entity: 3}, f.audit.calls[0])

	_, err = f.service.AssignRole(ctx, 1, 3, 9999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignInactiveRoleRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.services.Roles.CreateRole(ctx, 1, rbac.CreateRoleInput{Name: "Seasonal"})
	require.NoError(t, err)
	status := rbac.StatusInactive
	_, err = f.services.Roles.UpdateRole(ctx, 1, role.ID, rbac.UpdateRoleInput{Status: &status})
	require.NoError(t, err)

	_, err = f.service.AssignRole(ctx, 1, 3, role.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Equal(t, rbac.RoleEmployee, f.repo.users[3].RoleSlug)
	assert.Empty(t, f.audit.calls)
}

type headerIdentifier struct{}

func (headerIdentifier) UserID(_ context.Context, r *http.Request) (int64, bool, error) {
	switch r.Header.Get("X-User") {
	case "1":
		return 1, true, nil
	case "2":
		return 2, true, nil
	case "3":
		return 3, true, nil
	}
	return 0, false, nil
}

func TestHandlerAssignRoleRequiresBothPermissions(t *testing.T) {
	f := newFixture(t)
	mw := rbac.Middleware{Guard: f.services.Guard}
	r := chi.NewRouter()
	r.Use(mw.LoadPrincipal(headerIdentifier{}, f.service))
	r.Route("/users", NewHandler(nil, f.service, mw).MountRoutes)

	put := func(user string, roleID int64) *httptest.ResponseRecorder {
		body, err := json.Marshal(map[string]int64{"role_id": roleID})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPut, "/users/3/role", bytes.NewReader(body))
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	manager := f.roleID(t, rbac.RoleManager)
	assert.Equal(t, http.StatusForbidden, put("3", manager).Code)

	rec := put("2", manager)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp userResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rbac.RoleManager, resp.RoleSlug)
	assert.Equal(t, int64(2), f.audit.calls[0].actor)

	assert.Equal(t, http.StatusBadRequest, put("1", 0).Code)

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("X-User", "2")
	list := httptest.NewRecorder()
	r.ServeHTTP(list, req)
	assert.Equal(t, http.StatusOK, list.Code)
}

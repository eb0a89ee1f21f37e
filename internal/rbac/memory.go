package rbac

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type memState struct {
	nextPermissionID int64
	nextRoleID       int64
	permissions      map[int64]Permission
	roles            map[int64]Role
	grants           map[int64]map[int64]time.Time
	userRoles        map[int64]int64
}

func newMemState() *memState {
	return &memState{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		grants:      make(map[int64]map[int64]time.Time),
		userRoles:   make(map[int64]int64),
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		nextPermissionID: s.nextPermissionID,
		nextRoleID:       s.nextRoleID,
		permissions:      make(map[int64]Permission, len(s.permissions)),
		roles:            make(map[int64]Role, len(s.roles)),
		grants:           make(map[int64]map[int64]time.Time, len(s.grants)),
		userRoles:        make(map[int64]int64, len(s.userRoles)),
	}
	for id, p := range s.permissions {
		out.permissions[id] = p
	}
	for id, r := range s.roles {
		out.roles[id] = copyRole(r)
	}
	for roleID, set := range s.grants {
		copied := make(map[int64]time.Time, len(set))
		for permID, at := range set {
			copied[permID] = at
		}
		out.grants[roleID] = copied
	}
	for userID, roleID := range s.userRoles {
		out.userRoles[userID] = roleID
	}
	return out
}

func copyRole(r Role) Role {
	if r.Level != nil {
		level := *r.Level
		r.Level = &level
	}
	return r
}

// MemoryRepository is an in-process Repository. Transactions work on a copy of
// the state that replaces the published state only when fn succeeds, so readers
// never observe a partial write.
type MemoryRepository struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memState
	clock   func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState(), clock: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryRepository) view() *memStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memStore{state: m.state, now: m.clock}
}

// WithTx runs fn against a private copy and publishes it on success.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	draft := m.state.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &memStore{state: draft, now: m.clock}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = draft
	m.mu.Unlock()
	return nil
}

// AssignUserRole records that userID holds roleID. It stands in for the users
// table when counting role references.
func (m *MemoryRepository) AssignUserRole(userID, roleID int64) error {
	return m.WithTx(context.Background(), func(_ context.Context, tx TxRepository) error {
		store := tx.(*memStore)
		if _, ok := store.state.roles[roleID]; !ok {
			return fmt.Errorf("%w: role %d", shared.ErrNotFound, roleID)
		}
		store.state.userRoles[userID] = roleID
		return nil
	})
}

// UnassignUser drops the user's role reference.
func (m *MemoryRepository) UnassignUser(userID int64) {
	_ = m.WithTx(context.Background(), func(_ context.Context, tx TxRepository) error {
		delete(tx.(*memStore).state.userRoles, userID)
		return nil
	})
}

func (m *MemoryRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return m.view().GetPermission(ctx, id)
}

func (m *MemoryRepository) GetPermissionBySlug(ctx context.Context, slug string) (Permission, error) {
	return m.view().GetPermissionBySlug(ctx, slug)
}

func (m *MemoryRepository) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	return m.view().ListPermissions(ctx, filter)
}

func (m *MemoryRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	return m.view().GetRole(ctx, id)
}

func (m *MemoryRepository) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	return m.view().GetRoleBySlug(ctx, slug)
}

func (m *MemoryRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return m.view().GetRoleByName(ctx, name)
}

func (m *MemoryRepository) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	return m.view().ListRoles(ctx, filter)
}

func (m *MemoryRepository) ListPermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	return m.view().ListPermissionsForRole(ctx, roleID)
}

func (m *MemoryRepository) ListRolesForPermission(ctx context.Context, permissionID int64) ([]Role, error) {
	return m.view().ListRolesForPermission(ctx, permissionID)
}

func (m *MemoryRepository) LoadGrantSnapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error) {
	return m.view().LoadGrantSnapshot(ctx, roleSlug)
}

type memStore struct {
	state *memState
	now   func() time.Time
}

func (s *memStore) GetPermission(_ context.Context, id int64) (Permission, error) {
	p, ok := s.state.permissions[id]
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %d", shared.ErrNotFound, id)
	}
	return p, nil
}

func (s *memStore) GetPermissionBySlug(_ context.Context, slug string) (Permission, error) {
	for _, p := range s.state.permissions {
		if p.Slug == slug {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("%w: permission %q", shared.ErrNotFound, slug)
}

func (s *memStore) ListPermissions(_ context.Context, filter PermissionFilter) ([]Permission, error) {
	out := make([]Permission, 0, len(s.state.permissions))
	for _, p := range s.state.permissions {
		if filter.Module != "" && p.Module != filter.Module {
			continue
		}
		if !matchesSearch(filter.Search, p.Name, p.Slug) {
			continue
		}
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *memStore) GetRole(_ context.Context, id int64) (Role, error) {
	r, ok := s.state.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %d", shared.ErrNotFound, id)
	}
	return copyRole(r), nil
}

func (s *memStore) GetRoleBySlug(_ context.Context, slug string) (Role, error) {
	for _, r := range s.state.roles {
		if r.Slug == slug {
			return copyRole(r), nil
		}
	}
	return Role{}, fmt.Errorf("%w: role %q", shared.ErrNotFound, slug)
}

func (s *memStore) GetRoleByName(_ context.Context, name string) (Role, error) {
	for _, r := range s.state.roles {
		if strings.EqualFold(r.Name, name) {
			return copyRole(r), nil
		}
	}
	return Role{}, fmt.Errorf("%w: role %q", shared.ErrNotFound, name)
}

func (s *memStore) ListRoles(_ context.Context, filter RoleFilter) ([]Role, error) {
	out := make([]Role, 0, len(s.state.roles))
	for _, r := range s.state.roles {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !matchesSearch(filter.Search, r.Name, r.Slug) {
			continue
		}
		out = append(out, copyRole(r))
	}
	sortRoles(out)
	return out, nil
}

func (s *memStore) ListPermissionsForRole(_ context.Context, roleID int64) ([]Permission, error) {
	out := make([]Permission, 0, len(s.state.grants[roleID]))
	for permID := range s.state.grants[roleID] {
		out = append(out, s.state.permissions[permID])
	}
	sortPermissions(out)
	return out, nil
}

func (s *memStore) ListRolesForPermission(_ context.Context, permissionID int64) ([]Role, error) {
	var out []Role
	for roleID, set := range s.state.grants {
		if _, ok := set[permissionID]; ok {
			out = append(out, copyRole(s.state.roles[roleID]))
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *memStore) LoadGrantSnapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return GrantSnapshot{}, err
	}
	role, err := s.GetRoleBySlug(ctx, roleSlug)
	if err != nil {
		return GrantSnapshot{}, err
	}
	snap := GrantSnapshot{Role: role, Slugs: make(map[string]struct{})}
	for permID := range s.state.grants[role.ID] {
		if p := s.state.permissions[permID]; p.Active() {
			snap.Slugs[p.Slug] = struct{}{}
		}
	}
	return snap, nil
}

func (s *memStore) LockRole(ctx context.Context, id int64) (Role, error) {
	return s.GetRole(ctx, id)
}

func (s *memStore) PermissionsByIDs(_ context.Context, ids []int64) ([]Permission, error) {
	var out []Permission
	for _, id := range ids {
		if p, ok := s.state.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) InsertPermission(ctx context.Context, p Permission) (Permission, error) {
	if _, err := s.GetPermissionBySlug(ctx, p.Slug); err == nil {
		return Permission{}, fmt.Errorf("%w: permission %q already exists", shared.ErrConflict, p.Slug)
	}
	s.state.nextPermissionID++
	now := s.now()
	p.ID = s.state.nextPermissionID
	p.CreatedAt, p.UpdatedAt = now, now
	s.state.permissions[p.ID] = p
	return p, nil
}

func (s *memStore) UpdatePermission(ctx context.Context, p Permission) (Permission, error) {
	current, err := s.GetPermission(ctx, p.ID)
	if err != nil {
		return Permission{}, err
	}
	if other, err := s.GetPermissionBySlug(ctx, p.Slug); err == nil && other.ID != p.ID {
		return Permission{}, fmt.Errorf("%w: permission %q already exists", shared.ErrConflict, p.Slug)
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = s.now()
	s.state.permissions[p.ID] = p
	return p, nil
}

func (s *memStore) DeletePermission(_ context.Context, id int64) error {
	if _, ok := s.state.permissions[id]; !ok {
		return fmt.Errorf("%w: permission %d", shared.ErrNotFound, id)
	}
	for _, set := range s.state.grants {
		delete(set, id)
	}
	delete(s.state.permissions, id)
	return nil
}

func (s *memStore) CountAssignmentsForPermission(_ context.Context, permissionID int64) (int, error) {
	n := 0
	for _, set := range s.state.grants {
		if _, ok := set[permissionID]; ok {
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteAssignmentsForPermission(_ context.Context, permissionID int64) (int, error) {
	n := 0
	for _, set := range s.state.grants {
		if _, ok := set[permissionID]; ok {
			delete(set, permissionID)
			n++
		}
	}
	return n, nil
}

func (s *memStore) InsertRole(ctx context.Context, r Role) (Role, error) {
	if _, err := s.GetRoleBySlug(ctx, r.Slug); err == nil {
		return Role{}, fmt.Errorf("%w: role slug %q already exists", shared.ErrConflict, r.Slug)
	}
	if _, err := s.GetRoleByName(ctx, r.Name); err == nil {
		return Role{}, fmt.Errorf("%w: role name %q already exists", shared.ErrConflict, r.Name)
	}
	s.state.nextRoleID++
	now := s.now()
	r.ID = s.state.nextRoleID
	r.CreatedAt, r.UpdatedAt = now, now
	r = copyRole(r)
	s.state.roles[r.ID] = r
	return copyRole(r), nil
}

func (s *memStore) UpdateRole(ctx context.Context, r Role) (Role, error) {
	current, err := s.GetRole(ctx, r.ID)
	if err != nil {
		return Role{}, err
	}
	r.IsSystem = current.IsSystem
	r.CreatedAt = current.CreatedAt
	r.UpdatedAt = s.now()
	r = copyRole(r)
	s.state.roles[r.ID] = r
	return copyRole(r), nil
}

func (s *memStore) DeleteRole(_ context.Context, id int64) error {
	if _, ok := s.state.roles[id]; !ok {
		return fmt.Errorf("%w: role %d", shared.ErrNotFound, id)
	}
	for _, roleID := range s.state.userRoles {
		if roleID == id {
			return fmt.Errorf("%w: role %d is still referenced", shared.ErrConflict, id)
		}
	}
	delete(s.state.grants, id)
	delete(s.state.roles, id)
	return nil
}

func (s *memStore) CountRoleReferences(_ context.Context, roleID int64) (int, error) {
	n := 0
	for _, id := range s.state.userRoles {
		if id == roleID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteAssignmentsForRole(_ context.Context, roleID int64) (int, error) {
	n := len(s.state.grants[roleID])
	delete(s.state.grants, roleID)
	return n, nil
}

func (s *memStore) AssignedPermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	ids := make([]int64, 0, len(s.state.grants[roleID]))
	for id := range s.state.grants[roleID] {
		ids = append(ids, id)
	}
	return uniqueIDs(ids), nil
}

func (s *memStore) AttachPermissions(_ context.Context, roleID int64, permissionIDs []int64) (int, error) {
	if _, ok := s.state.roles[roleID]; !ok {
		return 0, fmt.Errorf("%w: role %d", shared.ErrNotFound, roleID)
	}
	set := s.state.grants[roleID]
	if set == nil {
		set = make(map[int64]time.Time)
		s.state.grants[roleID] = set
	}
	n := 0
	now := s.now()
	for _, id := range permissionIDs {
		if _, ok := s.state.permissions[id]; !ok {
			return n, fmt.Errorf("%w: permission %d", shared.ErrNotFound, id)
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = now
		n++
	}
	return n, nil
}

func (s *memStore) DetachPermissions(_ context.Context, roleID int64, permissionIDs []int64) (int, error) {
	set := s.state.grants[roleID]
	n := 0
	for _, id := range permissionIDs {
		if _, ok := set[id]; ok {
			delete(set, id)
			n++
		}
	}
	return n, nil
}

var (
	_ Repository   = (*MemoryRepository)(nil)
	_ TxRepository = (*memStore)(nil)
)

package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// LedgerService maintains role to permission assignments.
type LedgerService struct {
	repo  Repository
	hooks hooks
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(repo Repository, opts Options) *LedgerService {
	return &LedgerService{repo: repo, hooks: newHooks(opts)}
}

// ReplaceRolePermissions makes the role hold exactly permissionIDs. The whole
// call is one transaction: unknown or inactive ids fail it without touching the
// current grants, and concurrent readers observe either the old or the new set.
func (s *LedgerService) ReplaceRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) (ReplaceResult, error) {
	desired := uniqueIDs(permissionIDs)
	result := ReplaceResult{RoleID: roleID}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockRole(ctx, roleID); err != nil {
			return err
		}

		found, err := tx.PermissionsByIDs(ctx, desired)
		if err != nil {
			return fmt.Errorf("load permissions: %w", err)
		}
		if err := checkReplaceable(desired, found); err != nil {
			return err
		}

		current, err := tx.AssignedPermissionIDs(ctx, roleID)
		if err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		toAdd, toRemove := diffIDs(current, desired)

		if result.Removed, err = tx.DetachPermissions(ctx, roleID, toRemove); err != nil {
			return fmt.Errorf("detach permissions: %w", err)
		}
		if result.Added, err = tx.AttachPermissions(ctx, roleID, toAdd); err != nil {
			return fmt.Errorf("attach permissions: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReplaceResult{RoleID: roleID}, err
	}
	if result.Added > 0 || result.Removed > 0 {
		s.hooks.changed(ctx, actorID, "role.permissions.replace", "role", roleID, map[string]any{
			"added":   result.Added,
			"removed": result.Removed,
		})
	}
	return result, nil
}

// ListPermissionsForRole returns the role's permissions ordered by module then name.
func (s *LedgerService) ListPermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	perms, err := s.repo.ListPermissionsForRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role permissions: %w", err)
	}
	sortPermissions(perms)
	return perms, nil
}

// ListRolesForPermission returns the roles that would lose the permission if it were deleted.
func (s *LedgerService) ListRolesForPermission(ctx context.Context, permissionID int64) ([]Role, error) {
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return nil, err
	}
	roles, err := s.repo.ListRolesForPermission(ctx, permissionID)
	if err != nil {
		return nil, fmt.Errorf("list permission roles: %w", err)
	}
	sortRoles(roles)
	return roles, nil
}

func checkReplaceable(desired []int64, found []Permission) error {
	byID := make(map[int64]Permission, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	var unknown, inactive []string
	for _, id := range desired {
		p, ok := byID[id]
		switch {
		case !ok:
			unknown = append(unknown, fmt.Sprint(id))
		case !p.Active():
			inactive = append(inactive, p.Slug)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown permission ids [%s]", shared.ErrValidation, strings.Join(unknown, ", "))
	}
	if len(inactive) > 0 {
		return fmt.Errorf("%w: inactive permissions [%s]", shared.ErrValidation, strings.Join(inactive, ", "))
	}
	return nil
}

func diffIDs(current, desired []int64) (toAdd, toRemove []int64) {
	have := make(map[int64]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	want := make(map[int64]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
		if _, ok := have[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range current {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	return toAdd, toRemove
}

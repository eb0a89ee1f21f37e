package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// CreatePermissionInput captures the payload for creating a permission.
type CreatePermissionInput struct {
	Name        string `json:"name" validate:"required,max=120"`
	Slug        string `json:"slug" validate:"required,max=120"`
	Module      string `json:"module" validate:"omitempty,max=60"`
	Description string `json:"description" validate:"max=500"`
}

// UpdatePermissionInput captures a partial permission update.
type UpdatePermissionInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=120"`
	Slug        *string `json:"slug" validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

// CatalogService manages the permission catalog.
type CatalogService struct {
	repo  Repository
	hooks hooks
}

// NewCatalogService constructs a CatalogService.
func NewCatalogService(repo Repository, opts Options) *CatalogService {
	return &CatalogService{repo: repo, hooks: newHooks(opts)}
}

// CreatePermission adds a permission to the catalog. New permissions start active.
func (s *CatalogService) CreatePermission(ctx context.Context, actorID int64, input CreatePermissionInput) (Permission, error) {
	slug := normalizeSlug(input.Slug)
	module, err := ValidatePermissionSlug(slug)
	if err != nil {
		return Permission{}, err
	}
	if m := strings.TrimSpace(input.Module); m != "" && m != module {
		return Permission{}, fmt.Errorf("%w: module %q does not match slug %q", shared.ErrValidation, m, slug)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: permission name required", shared.ErrValidation)
	}

	var created Permission
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetPermissionBySlug(ctx, slug); err == nil {
			return fmt.Errorf("%w: permission %q already exists", shared.ErrConflict, slug)
		} else if !isNotFound(err) {
			return fmt.Errorf("lookup permission: %w", err)
		}
		created, err = tx.InsertPermission(ctx, Permission{
			Slug:        slug,
			Name:        name,
			Module:      module,
			Description: strings.TrimSpace(input.Description),
			Status:      StatusActive,
		})
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	s.hooks.changed(ctx, actorID, "permission.create", "permission", created.ID, map[string]any{"slug": created.Slug})
	return created, nil
}

// GetPermission fetches a permission by ID.
func (s *CatalogService) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

// ListPermissions returns permissions ordered by module then name.
func (s *CatalogService) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	filter.Module = strings.TrimSpace(filter.Module)
	filter.Search = strings.TrimSpace(filter.Search)
	perms, err := s.repo.ListPermissions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	sortPermissions(perms)
	return perms, nil
}

// GroupPermissionsByModule returns the catalog grouped by module, modules in
// ascending order and permissions ordered by name.
func (s *CatalogService) GroupPermissionsByModule(ctx context.Context) ([]ModuleGroup, error) {
	perms, err := s.ListPermissions(ctx, PermissionFilter{})
	if err != nil {
		return nil, err
	}
	groups := make([]ModuleGroup, 0)
	for _, p := range perms {
		if n := len(groups); n == 0 || groups[n-1].Module != p.Module {
			groups = append(groups, ModuleGroup{Module: p.Module})
		}
		last := &groups[len(groups)-1]
		last.Permissions = append(last.Permissions, p)
	}
	return groups, nil
}

// UpdatePermission merges name, description and slug changes. The slug is
// frozen once any role references the permission.
func (s *CatalogService) UpdatePermission(ctx context.Context, actorID, id int64, input UpdatePermissionInput) (Permission, error) {
	var updated Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if input.Name != nil {
			name := strings.TrimSpace(*input.Name)
			if name == "" {
				return fmt.Errorf("%w: permission name required", shared.ErrValidation)
			}
			next.Name = name
		}
		if input.Description != nil {
			next.Description = strings.TrimSpace(*input.Description)
		}
		if input.Slug != nil {
			slug := normalizeSlug(*input.Slug)
			if slug != current.Slug {
				module, err := ValidatePermissionSlug(slug)
				if err != nil {
					return err
				}
				refs, err := tx.CountAssignmentsForPermission(ctx, id)
				if err != nil {
					return fmt.Errorf("count assignments: %w", err)
				}
				if refs > 0 {
					return fmt.Errorf("%w: slug of permission %q is referenced by %d role(s)", shared.ErrPolicyViolation, current.Slug, refs)
				}
				if _, err := tx.GetPermissionBySlug(ctx, slug); err == nil {
					return fmt.Errorf("%w: permission %q already exists", shared.ErrConflict, slug)
				} else if !isNotFound(err) {
					return fmt.Errorf("lookup permission: %w", err)
				}
				next.Slug = slug
				next.Module = module
			}
		}
		updated, err = tx.UpdatePermission(ctx, next)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	s.hooks.changed(ctx, actorID, "permission.update", "permission", id, map[string]any{"slug": updated.Slug})
	return updated, nil
}

// UpdatePermissionStatus toggles a permission between active and inactive.
func (s *CatalogService) UpdatePermissionStatus(ctx context.Context, actorID, id int64, status Status) (Permission, error) {
	if !status.Valid() {
		return Permission{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	var updated Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		current.Status = status
		updated, err = tx.UpdatePermission(ctx, current)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	s.hooks.changed(ctx, actorID, "permission.status", "permission", id, map[string]any{"status": string(status)})
	return updated, nil
}

// DeletePermission removes a permission. Referenced permissions are only
// removed when cascade is requested, together with their assignments.
func (s *CatalogService) DeletePermission(ctx context.Context, actorID, id int64, cascade bool) error {
	var removed int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		refs, err := tx.CountAssignmentsForPermission(ctx, id)
		if err != nil {
			return fmt.Errorf("count assignments: %w", err)
		}
		if refs > 0 && !cascade {
			return fmt.Errorf("%w: permission %q is assigned to %d role(s)", shared.ErrConflict, p.Slug, refs)
		}
		if refs > 0 {
			if removed, err = tx.DeleteAssignmentsForPermission(ctx, id); err != nil {
				return fmt.Errorf("cascade assignments: %w", err)
			}
		}
		return tx.DeletePermission(ctx, id)
	})
	if err != nil {
		return err
	}
	s.hooks.changed(ctx, actorID, "permission.delete", "permission", id, map[string]any{"cascade": cascade, "assignments_removed": removed})
	return nil
}

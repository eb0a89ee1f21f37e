package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// CreateRoleInput captures the payload for creating a role.
type CreateRoleInput struct {
	Name        string `json:"name" validate:"required,max=120"`
	Slug        string `json:"slug" validate:"omitempty,max=120"`
	Description string `json:"description" validate:"max=500"`
	Level       *int   `json:"level" validate:"omitempty,min=0"`
}

// UpdateRoleInput captures a partial role update.
type UpdateRoleInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=120"`
	Slug        *string `json:"slug" validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Status      *Status `json:"status" validate:"omitempty,oneof=active inactive"`
	Level       *int    `json:"level" validate:"omitempty,min=0"`
}

// RoleService manages roles.
type RoleService struct {
	repo  Repository
	hooks hooks
}

// NewRoleService constructs a RoleService.
func NewRoleService(repo Repository, opts Options) *RoleService {
	return &RoleService{repo: repo, hooks: newHooks(opts)}
}

// CreateRole provisions an administrator-defined role. Such roles are never system roles.
func (s *RoleService) CreateRole(ctx context.Context, actorID int64, input CreateRoleInput) (Role, error) {
	role, err := buildRole(input, false)
	if err != nil {
		return Role{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := ensureRoleUnique(ctx, tx, 0, role.Name, role.Slug); err != nil {
			return err
		}
		var err error
		role, err = tx.InsertRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.hooks.changed(ctx, actorID, "role.create", "role", role.ID, map[string]any{"slug": role.Slug})
	return role, nil
}

// buildRole validates input and derives the slug from the name when omitted.
func buildRole(input CreateRoleInput, system bool) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", shared.ErrValidation)
	}
	slug := normalizeSlug(input.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if err := ValidateRoleSlug(slug); err != nil {
		return Role{}, err
	}
	return Role{
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(input.Description),
		IsSystem:    system,
		Status:      StatusActive,
		Level:       input.Level,
	}, nil
}

// GetRole fetches a role by ID.
func (s *RoleService) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetRoleBySlug fetches a role by slug.
func (s *RoleService) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	return s.repo.GetRoleBySlug(ctx, normalizeSlug(slug))
}

// ListRoles returns roles newest first.
func (s *RoleService) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, filter.Status)
	}
	filter.Search = strings.TrimSpace(filter.Search)
	roles, err := s.repo.ListRoles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	sortRoles(roles)
	return roles, nil
}

// UpdateRole merges the provided fields. System roles keep their name and slug.
func (s *RoleService) UpdateRole(ctx context.Context, actorID, id int64, input UpdateRoleInput) (Role, error) {
	var updated Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if input.Name != nil {
			next.Name = strings.TrimSpace(*input.Name)
		}
		if input.Slug != nil {
			next.Slug = normalizeSlug(*input.Slug)
		}
		if current.IsSystem && (next.Name != current.Name || next.Slug != current.Slug) {
			return fmt.Errorf("%w: system role %q cannot be renamed", shared.ErrPolicyViolation, current.Slug)
		}
		if next.Name == "" {
			return fmt.Errorf("%w: role name required", shared.ErrValidation)
		}
		if input.Slug != nil {
			if err := ValidateRoleSlug(next.Slug); err != nil {
				return err
			}
		}
		if input.Description != nil {
			next.Description = strings.TrimSpace(*input.Description)
		}
		if input.Status != nil {
			if !input.Status.Valid() {
				return fmt.Errorf("%w: unknown status %q", shared.ErrValidation, *input.Status)
			}
			next.Status = *input.Status
		}
		if input.Level != nil {
			level := *input.Level
			next.Level = &level
		}
		if next.Name != current.Name || next.Slug != current.Slug {
			if err := ensureRoleUnique(ctx, tx, id, next.Name, next.Slug); err != nil {
				return err
			}
		}
		updated, err = tx.UpdateRole(ctx, next)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.hooks.changed(ctx, actorID, "role.update", "role", id, map[string]any{"slug": updated.Slug, "status": string(updated.Status)})
	return updated, nil
}

// DeleteRole removes an unreferenced, non-system role and its assignments.
func (s *RoleService) DeleteRole(ctx context.Context, actorID, id int64) error {
	var removed int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %q cannot be deleted", shared.ErrPolicyViolation, role.Slug)
		}
		refs, err := tx.CountRoleReferences(ctx, id)
		if err != nil {
			return fmt.Errorf("count role references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: role %q is held by %d user(s)", shared.ErrConflict, role.Slug, refs)
		}
		if removed, err = tx.DeleteAssignmentsForRole(ctx, id); err != nil {
			return fmt.Errorf("cascade assignments: %w", err)
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return err
	}
	s.hooks.changed(ctx, actorID, "role.delete", "role", id, map[string]any{"assignments_removed": removed})
	return nil
}

func ensureRoleUnique(ctx context.Context, tx TxRepository, selfID int64, name, slug string) error {
	if existing, err := tx.GetRoleBySlug(ctx, slug); err == nil && existing.ID != selfID {
		return fmt.Errorf("%w: role slug %q already exists", shared.ErrConflict, slug)
	} else if err != nil && !isNotFound(err) {
		return fmt.Errorf("lookup role by slug: %w", err)
	}
	if existing, err := tx.GetRoleByName(ctx, name); err == nil && existing.ID != selfID {
		return fmt.Errorf("%w: role name %q already exists", shared.ErrConflict, name)
	} else if err != nil && !isNotFound(err) {
		return fmt.Errorf("lookup role by name: %w", err)
	}
	return nil
}

package users

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	SetRole(ctx context.Context, userID, roleID int64) error
}

// RoleLookup resolves roles by id.
type RoleLookup interface {
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
}

// Service handles user business logic.
type Service struct {
	repo   RepositoryPort
	roles  RoleLookup
	audit  rbac.AuditRecorder
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleLookup, audit rbac.AuditRecorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, roles: roles, audit: audit, logger: logger}
}

var _ rbac.PrincipalResolver = (*Service)(nil)

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// ResolvePrincipal builds the authorization principal of an active user.
// Inactive or unknown users resolve to ErrNotFound.
func (s *Service) ResolvePrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("%w: user %d is inactive", shared.ErrNotFound, userID)
	}
	return &rbac.Principal{
		UserID:       u.ID,
		EmployeeID:   u.EmployeeID,
		RoleSlug:     u.RoleSlug,
		DepartmentID: u.DepartmentID,
	}, nil
}

// AssignRole moves the user to an active role.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID int64) (User, error) {
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		return User{}, err
	}
	if !role.Active() {
		return User{}, fmt.Errorf("%w: role %q is inactive", shared.ErrValidation, role.Slug)
	}
	if err := s.repo.SetRole(ctx, userID, roleID); err != nil {
		return User{}, err
	}
	if s.audit != nil {
		s.audit.RecordChange(ctx, actorID, "user.role.assign", "user", userID, map[string]any{"role": role.Slug})
	}
	if s.logger != nil {
		s.logger.Info("user role assigned", slog.Int64("user_id", userID), slog.String("role", role.Slug), slog.Int64("actor", actorID))
	}
	return s.repo.GetUser(ctx, userID)
}

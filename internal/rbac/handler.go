package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Handler exposes the RBAC administration API.
type Handler struct {
	logger    *slog.Logger
	services  *Services
	validator *validator.Validate
	rbac      Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, services *Services, rbac Middleware) *Handler {
	return &Handler{logger: logger, services: services, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers permission, role and self-inspection routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermPermissionsView))
			r.Get("/", h.listPermissions)
			r.Get("/grouped", h.groupPermissions)
			r.Get("/{id}", h.getPermission)
			r.Get("/{id}/roles", h.listRolesForPermission)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermPermissionsEdit))
			r.Post("/", h.createPermission)
			r.Patch("/{id}", h.updatePermission)
			r.Put("/{id}/status", h.updatePermissionStatus)
			r.Delete("/{id}", h.deletePermission)
		})
	})
	r.Route("/roles", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermRolesView))
			r.Get("/", h.listRoles)
			r.Get("/{id}", h.getRole)
			r.Get("/{id}/permissions", h.listRolePermissions)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermRolesEdit))
			r.Post("/", h.createRole)
			r.Patch("/{id}", h.updateRole)
			r.Delete("/{id}", h.deleteRole)
			r.Put("/{id}/permissions", h.replaceRolePermissions)
		})
	})
	r.Get("/me/access", h.myAccess)
}

type permissionResponse struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Module      string    `json:"module"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	Status      Status    `json:"status"`
	Level       *int      `json:"level,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type moduleGroupResponse struct {
	Module      string               `json:"module"`
	Permissions []permissionResponse `json:"permissions"`
}

type statusRequest struct {
	Status Status `json:"status" validate:"required,oneof=active inactive"`
}

type replaceRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Slug:        p.Slug,
		Name:        p.Name,
		Module:      p.Module,
		Description: p.Description,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toPermissionResponses(perms []Permission) []permissionResponse {
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	return out
}

func toRoleResponse(r Role) roleResponse {
	return roleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Slug:        r.Slug,
		Description: r.Description,
		IsSystem:    r.IsSystem,
		Status:      r.Status,
		Level:       r.Level,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toRoleResponses(roles []Role) []roleResponse {
	out := make([]roleResponse, 0, len(roles))
	for _, r := range roles {
		out = append(out, toRoleResponse(r))
	}
	return out
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	perms, err := h.services.Catalog.ListPermissions(r.Context(), PermissionFilter{Module: q.Get("module"), Search: q.Get("search")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toPermissionResponses(perms)})
}

func (h *Handler) groupPermissions(w http.ResponseWriter, r *http.Request) {
	groups, err := h.services.Catalog.GroupPermissionsByModule(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]moduleGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, moduleGroupResponse{Module: g.Module, Permissions: toPermissionResponses(g.Permissions)})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.services.Catalog.GetPermission(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(p))
}

func (h *Handler) listRolesForPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	roles, err := h.services.Ledger.ListRolesForPermission(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toRoleResponses(roles)})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var input CreatePermissionInput
	if !h.decode(w, r, &input) {
		return
	}
	p, err := h.services.Catalog.CreatePermission(r.Context(), actorID(r), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(p))
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input UpdatePermissionInput
	if !h.decode(w, r, &input) {
		return
	}
	p, err := h.services.Catalog.UpdatePermission(r.Context(), actorID(r), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(p))
}

func (h *Handler) updatePermissionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input statusRequest
	if !h.decode(w, r, &input) {
		return
	}
	p, err := h.services.Catalog.UpdatePermissionStatus(r.Context(), actorID(r), id, input.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(p))
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	if err := h.services.Catalog.DeletePermission(r.Context(), actorID(r), id, cascade); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roles, err := h.services.Roles.ListRoles(r.Context(), RoleFilter{Status: Status(q.Get("status")), Search: q.Get("search")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toRoleResponses(roles)})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.services.Roles.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	perms, err := h.services.Ledger.ListPermissionsForRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": toPermissionResponses(perms)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var input CreateRoleInput
	if !h.decode(w, r, &input) {
		return
	}
	role, err := h.services.Roles.CreateRole(r.Context(), actorID(r), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input UpdateRoleInput
	if !h.decode(w, r, &input) {
		return
	}
	role, err := h.services.Roles.UpdateRole(r.Context(), actorID(r), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.services.Roles.DeleteRole(r.Context(), actorID(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var input replaceRequest
	if !h.decode(w, r, &input) {
		return
	}
	result, err := h.services.Ledger.ReplaceRolePermissions(r.Context(), actorID(r), id, input.PermissionIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	perms, err := h.services.Ledger.ListPermissionsForRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id": result.RoleID,
		"added":   result.Added,
		"removed": result.Removed,
		"data":    toPermissionResponses(perms),
	})
}

func (h *Handler) myAccess(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	access, err := h.services.Guard.EffectiveAccess(r.Context(), p)
	if errors.Is(err, shared.ErrNotFound) {
		httpx.JSON(w, http.StatusOK, map[string]any{"role": nil, "scope": ScopeSelf, "permissions": []string{}})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":        toRoleResponse(access.Role),
		"scope":       access.Scope,
		"permissions": access.Permissions,
	})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", shared.ErrValidation))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", shared.ErrValidation))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error("rbac api", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorID(r *http.Request) int64 {
	id, _ := shared.UserIDFromContext(r.Context())
	return id
}

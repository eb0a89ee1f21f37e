package employees

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Handler exposes scoped employee reads.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers employee routes. Authorization happens in the service
// because the scope predicate is needed for the query itself.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/employees", h.list)
	r.Get("/employees/{id}", h.get)
}

type employeeResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	DepartmentID *int64    `json:"department_id"`
	ManagerID    *int64    `json:"manager_id"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func toResponse(e Employee) employeeResponse {
	return employeeResponse{
		ID:           e.ID,
		Name:         e.Name,
		Email:        e.Email,
		DepartmentID: e.DepartmentID,
		ManagerID:    e.ManagerID,
		Active:       e.Active,
		CreatedAt:    e.CreatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p := rbac.PrincipalFromContext(r.Context())
	if p == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Search: q.Get("search"), ActiveOnly: q.Get("active") == "true"}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("department_id"); raw != "" {
		dept, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid department_id", shared.ErrValidation))
			return
		}
		filter.DepartmentID = &dept
	}

	page, err := h.service.List(r.Context(), p, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]employeeResponse, 0, len(page.Employees))
	for _, e := range page.Employees {
		out = append(out, toResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":  out,
		"scope": page.Scope,
		"pagination": map[string]int{
			"page":        page.Pagination.Page,
			"per_page":    page.Pagination.PerPage,
			"total":       page.Pagination.Total,
			"total_pages": page.Pagination.TotalPages,
		},
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p := rbac.PrincipalFromContext(r.Context())
	if p == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", shared.ErrValidation))
		return
	}
	e, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(e))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Error("employees api", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var (
	permissionSlugPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)
	roleSlugPattern       = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)
	slugReplacer          = regexp.MustCompile(`[^a-z0-9]+`)
)

// Options carries the optional collaborators shared by the admin services.
type Options struct {
	Logger       *slog.Logger
	Audit        AuditRecorder
	Invalidator  Invalidator
	// CheckTimeout bounds each guard decision. Zero leaves the caller's deadline.
	CheckTimeout time.Duration
	Observer     Observer
}

// Services bundles the RBAC components wired over one repository.
type Services struct {
	Catalog *CatalogService
	Roles   *RoleService
	Ledger  *LedgerService
	Scopes  *ScopeResolver
	Guard   *Guard
}

// NewServices wires every component. cache may be nil to disable caching.
func NewServices(repo Repository, hierarchy Hierarchy, policy ScopePolicy, cache *GrantCache, opts Options) *Services {
	if cache != nil && opts.Invalidator == nil {
		opts.Invalidator = cache
	}
	scopes := NewScopeResolver(policy, hierarchy)
	return &Services{
		Catalog: NewCatalogService(repo, opts),
		Roles:   NewRoleService(repo, opts),
		Ledger:  NewLedgerService(repo, opts),
		Scopes:  scopes,
		Guard:   NewGuard(repo, scopes, GuardOptions{
			Cache:   cache,
			Logger:  opts.Logger,
			Timeout: opts.CheckTimeout,
			Metrics: opts.Observer,
		}),
	}
}

// hooks runs the post-commit side effects every mutation shares.
type hooks struct {
	logger      *slog.Logger
	audit       AuditRecorder
	invalidator Invalidator
}

func newHooks(opts Options) hooks {
	return hooks{logger: opts.Logger, audit: opts.Audit, invalidator: opts.Invalidator}
}

func (h hooks) changed(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) {
	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx); err != nil && h.logger != nil {
			h.logger.Error("rbac invalidate grants", slog.String("action", action), slog.Any("error", err))
		}
	}
	if h.audit != nil {
		h.audit.RecordChange(ctx, actorID, action, entity, id, meta)
	}
	if h.logger != nil {
		h.logger.Info("rbac change", slog.String("action", action), slog.String("entity", entity), slog.Int64("id", id), slog.Int64("actor", actorID))
	}
}

// ValidatePermissionSlug checks the <module>.<action> shape and returns the module token.
func ValidatePermissionSlug(slug string) (string, error) {
	if !permissionSlugPattern.MatchString(slug) {
		return "", fmt.Errorf("%w: permission slug %q must match <module>.<action>", shared.ErrValidation, slug)
	}
	module, _, _ := strings.Cut(slug, ".")
	return module, nil
}

// ValidateRoleSlug checks a role slug.
func ValidateRoleSlug(slug string) error {
	if !roleSlugPattern.MatchString(slug) {
		return fmt.Errorf("%w: role slug %q must be lowercase words joined by '-' or '_'", shared.ErrValidation, slug)
	}
	return nil
}

// Slugify derives a role slug from a display name ("Super Admin" -> "super-admin").
func Slugify(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}
	slug := slugReplacer.ReplaceAllString(strings.ToLower(strings.TrimSpace(folded)), "-")
	return strings.Trim(slug, "-")
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortPermissions(perms []Permission) {
	sort.SliceStable(perms, func(i, j int) bool {
		if perms[i].Module != perms[j].Module {
			return perms[i].Module < perms[j].Module
		}
		if perms[i].Name != perms[j].Name {
			return perms[i].Name < perms[j].Name
		}
		return perms[i].ID < perms[j].ID
	})
}

func sortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		if !roles[i].CreatedAt.Equal(roles[j].CreatedAt) {
			return roles[i].CreatedAt.After(roles[j].CreatedAt)
		}
		return roles[i].ID > roles[j].ID
	})
}

func matchesSearch(search string, fields ...string) bool {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed           Reason = "Allowed"
	ReasonNoRole            Reason = "NoRole"
	ReasonMissingPermission Reason = "MissingPermission"
	// ReasonUnavailable marks a deny caused by storage failure or timeout.
	ReasonUnavailable Reason = "Unavailable"
)

// Decision is the outcome of an authorization check. A deny is a normal value.
type Decision struct {
	Allow  bool
	Reason Reason
}

// ScopedDecision pairs a decision with the row predicate callers must apply.
// Predicate matches nothing unless Allow is true.
type ScopedDecision struct {
	Decision
	Scope     ScopeClass
	Predicate Predicate
}

// Access summarises what a principal may do, for self-inspection endpoints.
type Access struct {
	Role        Role
	Scope       ScopeClass
	Permissions []string
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	Cache   *GrantCache
	Logger  *slog.Logger
	Timeout time.Duration
	Metrics Observer
}

// Guard answers authorization questions for feature code.
type Guard struct {
	reader  Reader
	scopes  *ScopeResolver
	cache   *GrantCache
	logger  *slog.Logger
	timeout time.Duration
	metrics Observer
}

// NewGuard constructs a Guard.
func NewGuard(reader Reader, scopes *ScopeResolver, opts GuardOptions) *Guard {
	if scopes == nil {
		scopes = NewScopeResolver(nil, nil)
	}
	return &Guard{
		reader:  reader,
		scopes:  scopes,
		cache:   opts.Cache,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

// Authorize decides whether the principal's role currently grants slug.
// Storage failures deny with ReasonUnavailable and return the cause.
func (g *Guard) Authorize(ctx context.Context, p *Principal, slug string) (Decision, error) {
	if p == nil {
		return Decision{Reason: ReasonNoRole}, fmt.Errorf("%w: nil principal", shared.ErrValidation)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	decision, err := g.decide(ctx, p, slug)
	g.record(p, slug, decision, err)
	return decision, err
}

// AuthorizeAndScope composes Authorize with the principal's row predicate.
func (g *Guard) AuthorizeAndScope(ctx context.Context, p *Principal, slug string, kind ResourceKind) (ScopedDecision, error) {
	none := Predicate{Kind: PredicateNone, Resource: kind}
	if _, err := kind.Columns(); err != nil {
		return ScopedDecision{Decision: Decision{Reason: ReasonUnavailable}, Predicate: none}, err
	}
	if p == nil {
		return ScopedDecision{Decision: Decision{Reason: ReasonNoRole}, Predicate: none}, fmt.Errorf("%w: nil principal", shared.ErrValidation)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()

	decision, err := g.decide(ctx, p, slug)
	if err != nil || !decision.Allow {
		g.record(p, slug, decision, err)
		return ScopedDecision{Decision: decision, Predicate: none}, err
	}
	scope := g.scopes.ResolveScope(*p)
	pred, err := g.scopes.BuildPredicate(ctx, *p, kind)
	if err != nil {
		denied := Decision{Reason: ReasonUnavailable}
		g.record(p, slug, denied, err)
		return ScopedDecision{Decision: denied, Scope: scope, Predicate: none}, fmt.Errorf("rbac: scope %s for %s: %w", kind, slug, err)
	}
	g.record(p, slug, decision, nil)
	return ScopedDecision{Decision: decision, Scope: scope, Predicate: pred}, nil
}

// EffectiveAccess lists the active permission slugs and scope of the principal.
func (g *Guard) EffectiveAccess(ctx context.Context, p *Principal) (Access, error) {
	if p == nil {
		return Access{}, fmt.Errorf("%w: nil principal", shared.ErrValidation)
	}
	ctx, cancel := g.bound(ctx)
	defer cancel()
	snap, err := g.snapshot(ctx, p.RoleSlug)
	if err != nil {
		return Access{}, err
	}
	access := Access{Role: snap.Role, Scope: g.scopes.ResolveScope(*p), Permissions: []string{}}
	if !snap.Role.Active() {
		return access, nil
	}
	for slug := range snap.Slugs {
		access.Permissions = append(access.Permissions, slug)
	}
	sort.Strings(access.Permissions)
	return access, nil
}

func (g *Guard) decide(ctx context.Context, p *Principal, slug string) (Decision, error) {
	if strings.TrimSpace(p.RoleSlug) == "" {
		return Decision{Reason: ReasonNoRole}, nil
	}
	snap, err := g.snapshot(ctx, p.RoleSlug)
	switch {
	case isNotFound(err):
		return Decision{Reason: ReasonNoRole}, nil
	case err != nil:
		return Decision{Reason: ReasonUnavailable}, fmt.Errorf("rbac: authorize %s: %w", slug, err)
	}
	if !snap.Role.Active() {
		return Decision{Reason: ReasonNoRole}, nil
	}
	if !snap.Has(slug) {
		return Decision{Reason: ReasonMissingPermission}, nil
	}
	return Decision{Allow: true, Reason: ReasonAllowed}, nil
}

func (g *Guard) snapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error) {
	roleSlug = normalizeSlug(roleSlug)
	load := func(ctx context.Context) (GrantSnapshot, error) {
		return g.reader.LoadGrantSnapshot(ctx, roleSlug)
	}
	if g.cache == nil {
		return load(ctx)
	}
	return g.cache.Load(ctx, roleSlug, load)
}

func (g *Guard) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guard) record(p *Principal, slug string, d Decision, err error) {
	result := "deny"
	if d.Allow {
		result = "allow"
	}
	if g.metrics != nil {
		g.metrics.ObserveDecision(result, string(d.Reason))
	}
	if g.logger == nil {
		return
	}
	switch {
	case err != nil:
		g.logger.Error("rbac authorize failed", slog.Int64("user_id", p.UserID), slog.String("permission", slug), slog.Any("error", err))
	case !d.Allow:
		g.logger.Debug("rbac deny", slog.Int64("user_id", p.UserID), slog.String("role", p.RoleSlug), slog.String("permission", slug), slog.String("reason", string(d.Reason)))
	}
}

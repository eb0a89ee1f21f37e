package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/odyssey-hr/testing"
)

// ============================================================================
// TEST DOUBLES
// ============================================================================

type fakeHierarchy struct {
	managed map[int64][]int64
	reports map[int64][]int64
	err     error
}

func (h *fakeHierarchy) ManagedDepartments(_ context.Context, employeeID int64) ([]int64, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.managed[employeeID], nil
}

func (h *fakeHierarchy) DirectReports(_ context.Context, employeeID int64) ([]int64, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.reports[employeeID], nil
}

type auditEntry struct {
	actorID int64
	action  string
	entity  string
	id      int64
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) RecordChange(_ context.Context, actorID int64, action, entity string, entityID int64, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{actorID: actorID, action: action, entity: entity, id: entityID})
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.action)
	}
	return out
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions map[string]int
	hits      int
	misses    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{decisions: make(map[string]int)}
}

func (o *recordingObserver) ObserveDecision(result, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions[result+"/"+reason]++
}

func (o *recordingObserver) ObserveGrantCache(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

// failingReader fails every snapshot load.
type failingReader struct {
	Reader
	err error
}

func (f failingReader) LoadGrantSnapshot(context.Context, string) (GrantSnapshot, error) {
	return GrantSnapshot{}, f.err
}

// blockingReader waits for the context before answering.
type blockingReader struct {
	Reader
}

func (blockingReader) LoadGrantSnapshot(ctx context.Context, _ string) (GrantSnapshot, error) {
	<-ctx.Done()
	return GrantSnapshot{}, ctx.Err()
}

var errStorage = errors.New("storage offline")

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	repo        *MemoryRepository
	hierarchy   *fakeHierarchy
	audit       *recordingAudit
	invalidator *countingInvalidator
	services    *Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := NewMemoryRepository()
	manifest, err := DefaultManifest()
	require.NoError(t, err)
	_, err = Bootstrap(ctx, repo, manifest, Options{})
	require.NoError(t, err)

	f := &fixture{
		repo:        repo,
		hierarchy:   &fakeHierarchy{managed: map[int64][]int64{}, reports: map[int64][]int64{}},
		audit:       &recordingAudit{},
		invalidator: &countingInvalidator{},
	}
	f.services = NewServices(repo, f.hierarchy, manifest.ScopePolicy(), nil, Options{
		Audit:       f.audit,
		Invalidator: f.invalidator,
	})
	return f
}

func (f *fixture) permission(t *testing.T, slug string) Permission {
	t.Helper()
	p, err := f.repo.GetPermissionBySlug(context.Background(), slug)
	require.NoError(t, err)
	return p
}

func (f *fixture) role(t *testing.T, slug string) Role {
	t.Helper()
	r, err := f.repo.GetRoleBySlug(context.Background(), slug)
	require.NoError(t, err)
	return r
}

func (f *fixture) ids(t *testing.T, slugs ...string) []int64 {
	t.Helper()
	out := make([]int64, 0, len(slugs))
	for _, s := range slugs {
		out = append(out, f.permission(t, s).ID)
	}
	return out
}

func (f *fixture) grantedSlugs(t *testing.T, roleID int64) []string {
	t.Helper()
	perms, err := f.services.Ledger.ListPermissionsForRole(context.Background(), roleID)
	require.NoError(t, err)
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Slug)
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

package rbac

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func countingLoader(calls *int32, slugs ...string) func(context.Context) (GrantSnapshot, error) {
	return func(context.Context) (GrantSnapshot, error) {
		atomic.AddInt32(calls, 1)
		snap := GrantSnapshot{Role: Role{Slug: "manager", Status: StatusActive}, Slugs: map[string]struct{}{}}
		for _, s := range slugs {
			snap.Slugs[s] = struct{}{}
		}
		return snap, nil
	}
}

func TestGrantCacheReadThrough(t *testing.T) {
	_, client := newRedis(t)
	observer := newRecordingObserver()
	cache, err := NewGrantCache(GrantCacheOptions{Size: 8, Client: client, Observer: observer})
	require.NoError(t, err)
	ctx := context.Background()

	var calls int32
	loader := countingLoader(&calls, "leaves.view")
	for i := 0; i < 3; i++ {
		snap, err := cache.Load(ctx, "manager", loader)
		require.NoError(t, err)
		assert.True(t, snap.Has("leaves.view"))
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 2, observer.hits)
	assert.Equal(t, 1, observer.misses)
}

func TestGrantCacheInvalidateBumpsVersion(t *testing.T) {
	mr, client := newRedis(t)
	cache, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	var calls int32
	_, err = cache.Load(ctx, "manager", countingLoader(&calls))
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx))
	assert.Zero(t, cache.Len())
	version, err := mr.Get(grantVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	_, err = cache.Load(ctx, "manager", countingLoader(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGrantCacheSeesRemoteBumpOnLoad(t *testing.T) {
	_, client := newRedis(t)
	local, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	remote, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	var calls int32
	_, err = local.Load(ctx, "manager", countingLoader(&calls, "leaves.view"))
	require.NoError(t, err)

	require.NoError(t, remote.Invalidate(ctx))

	snap, err := local.Load(ctx, "manager", countingLoader(&calls, "leaves.approve"))
	require.NoError(t, err)
	assert.True(t, snap.Has("leaves.approve"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGrantCacheListenPurgesOnPublish(t *testing.T) {
	_, client := newRedis(t)
	local, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	remote, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, local.Listen(ctx))
	var calls int32
	_, err = local.Load(ctx, "manager", countingLoader(&calls))
	require.NoError(t, err)
	require.Equal(t, 1, local.Len())

	require.NoError(t, remote.Invalidate(ctx))
	assert.Eventually(t, func() bool { return local.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGrantCacheBypassesWhenRedisDown(t *testing.T) {
	mr, client := newRedis(t)
	cache, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	mr.Close()

	var calls int32
	for i := 0; i < 2; i++ {
		snap, err := cache.Load(context.Background(), "manager", countingLoader(&calls, "leaves.view"))
		require.NoError(t, err)
		assert.True(t, snap.Has("leaves.view"))
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "without a version every load goes to storage")
	assert.Error(t, cache.Invalidate(context.Background()))
}

func TestGrantCacheLocalOnly(t *testing.T) {
	cache, err := NewGrantCache(GrantCacheOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	var calls int32
	_, err = cache.Load(ctx, "manager", countingLoader(&calls))
	require.NoError(t, err)
	_, err = cache.Load(ctx, "manager", countingLoader(&calls))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	require.NoError(t, cache.Invalidate(ctx))
	require.NoError(t, cache.Listen(ctx))
	assert.Zero(t, cache.Len())
}

func TestGrantCacheDeduplicatesConcurrentMisses(t *testing.T) {
	cache, err := NewGrantCache(GrantCacheOptions{})
	require.NoError(t, err)

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (GrantSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return GrantSnapshot{Slugs: map[string]struct{}{}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Load(context.Background(), "manager", loader)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGrantCacheSharedLoadOutlivesCancelledCaller(t *testing.T) {
	cache, err := NewGrantCache(GrantCacheOptions{LoadTimeout: time.Second})
	require.NoError(t, err)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (GrantSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		select {
		case <-release:
			return GrantSnapshot{Role: Role{Slug: "manager", Status: StatusActive}, Slugs: map[string]struct{}{"leaves.view": {}}}, nil
		case <-ctx.Done():
			return GrantSnapshot{}, ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Load(first, "manager", loader)
		firstErr <- err
	}()
	<-started

	type result struct {
		snap GrantSnapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := cache.Load(context.Background(), "manager", loader)
		second <- result{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.True(t, res.snap.Has("leaves.view"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Len())
}

func TestGuardSharedLoadIgnoresOtherCallersCancellation(t *testing.T) {
	cache, err := NewGrantCache(GrantCacheOptions{LoadTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	guard := NewGuard(slowReader{delay: 60 * time.Millisecond}, NewScopeResolver(ScopePolicy{}, nil), GuardOptions{Cache: cache})
	manager := &Principal{UserID: 7, RoleSlug: RoleManager}

	first, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	firstDone := make(chan Decision, 1)
	go func() {
		d, _ := guard.Authorize(first, manager, "leaves.view")
		firstDone <- d
	}()
	time.Sleep(5 * time.Millisecond)

	d, err := guard.Authorize(context.Background(), manager, "leaves.view")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, ReasonAllowed, d.Reason)

	cancelled := <-firstDone
	assert.False(t, cancelled.Allow)
	assert.Equal(t, ReasonUnavailable, cancelled.Reason)
}

func TestGrantCacheEntriesExpireAfterMaxAge(t *testing.T) {
	_, client := newRedis(t)
	cache, err := NewGrantCache(GrantCacheOptions{Client: client, MaxAge: time.Minute})
	require.NoError(t, err)
	clock := &fakeClock{at: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	cache.now = clock.Now
	ctx := context.Background()

	var calls int32
	loader := countingLoader(&calls, "leaves.view")
	_, err = cache.Load(ctx, "manager", loader)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = cache.Load(ctx, "manager", loader)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	clock.Advance(2 * time.Second)
	_, err = cache.Load(ctx, "manager", loader)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGrantCacheMaxAgeBoundsMissedBump(t *testing.T) {
	mr, client := newRedis(t)
	peer, err := NewGrantCache(GrantCacheOptions{Client: client, MaxAge: time.Minute})
	require.NoError(t, err)
	clock := &fakeClock{at: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	peer.now = clock.Now
	ctx := context.Background()

	var calls int32
	_, err = peer.Load(ctx, "manager", countingLoader(&calls, "leaves.approve"))
	require.NoError(t, err)

	// A writer whose Redis is unreachable purges only itself.
	writerClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = writerClient.Close() })
	writer, err := NewGrantCache(GrantCacheOptions{Client: writerClient})
	require.NoError(t, err)
	require.Error(t, writer.Invalidate(ctx))
	assert.False(t, mr.Exists(grantVersionKey))

	revoked := countingLoader(&calls)
	snap, err := peer.Load(ctx, "manager", revoked)
	require.NoError(t, err)
	assert.True(t, snap.Has("leaves.approve"))

	clock.Advance(time.Minute)
	snap, err = peer.Load(ctx, "manager", revoked)
	require.NoError(t, err)
	assert.False(t, snap.Has("leaves.approve"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

// slowReader answers every role with leaves.view after delay, honouring ctx.
type slowReader struct {
	Reader
	delay time.Duration
}

func (r slowReader) LoadGrantSnapshot(ctx context.Context, roleSlug string) (GrantSnapshot, error) {
	select {
	case <-time.After(r.delay):
		return GrantSnapshot{Role: Role{Slug: roleSlug, Status: StatusActive}, Slugs: map[string]struct{}{"leaves.view": {}}}, nil
	case <-ctx.Done():
		return GrantSnapshot{}, ctx.Err()
	}
}

func TestGuardWithCacheObservesMutations(t *testing.T) {
	_, client := newRedis(t)
	repo := NewMemoryRepository()
	manifest, err := DefaultManifest()
	require.NoError(t, err)
	ctx := context.Background()
	_, err = Bootstrap(ctx, repo, manifest, Options{})
	require.NoError(t, err)

	cache, err := NewGrantCache(GrantCacheOptions{Client: client})
	require.NoError(t, err)
	services := NewServices(repo, &fakeHierarchy{}, manifest.ScopePolicy(), cache, Options{})
	employee := &Principal{UserID: 1, RoleSlug: RoleEmployee}

	d, err := services.Guard.Authorize(ctx, employee, "leaves.view")
	require.NoError(t, err)
	require.True(t, d.Allow)
	require.Equal(t, 1, cache.Len())

	role, err := repo.GetRoleBySlug(ctx, RoleEmployee)
	require.NoError(t, err)
	_, err = services.Ledger.ReplaceRolePermissions(ctx, 1, role.ID, nil)
	require.NoError(t, err)

	d, err = services.Guard.Authorize(ctx, employee, "leaves.view")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, d.Reason)
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	grantVersionKey = "rbac:grants:version"
	grantBumpChan   = "rbac.grants.bump"

	defaultGrantCacheSize   = 512
	defaultGrantLoadTimeout = 5 * time.Second
	defaultGrantMaxAge      = time.Minute
	grantBumpAttempts       = 3
)

// Invalidator drops cached grant state after a committed mutation.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Observer receives guard and cache outcomes. observability.Metrics implements it.
type Observer interface {
	ObserveDecision(result, reason string)
	ObserveGrantCache(hit bool)
}

type grantEntry struct {
	snapshot   GrantSnapshot
	generation uint64
	loadedAt   time.Time
}

// GrantCache is a process-wide read-through cache of role grant snapshots.
// Entries are dropped by Invalidate, by a version bump seen in Redis, or by a
// bump published from another instance. MaxAge bounds how long an entry can
// outlive a bump that never reached Redis.
type GrantCache struct {
	entries     *lru.Cache[string, grantEntry]
	client      *redis.Client
	group       singleflight.Group
	logger      *slog.Logger
	observer    Observer
	loadTimeout time.Duration
	maxAge      time.Duration
	now         func() time.Time

	mu         sync.Mutex
	generation uint64
	remote     int64
}

// GrantCacheOptions configures a GrantCache.
type GrantCacheOptions struct {
	Size     int
	Client   *redis.Client
	Logger   *slog.Logger
	Observer Observer
	// LoadTimeout bounds a shared load. It runs detached from the callers'
	// cancellation so one abandoned caller cannot fail the others.
	LoadTimeout time.Duration
	// MaxAge is the longest an entry is served. Zero uses one minute.
	MaxAge time.Duration
}

// NewGrantCache builds the cache. A nil Redis client keeps invalidation local.
func NewGrantCache(opts GrantCacheOptions) (*GrantCache, error) {
	size := opts.Size
	if size <= 0 {
		size = defaultGrantCacheSize
	}
	entries, err := lru.New[string, grantEntry](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: grant cache: %w", err)
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultGrantLoadTimeout
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultGrantMaxAge
	}
	return &GrantCache{
		entries:     entries,
		client:      opts.Client,
		logger:      opts.Logger,
		observer:    opts.Observer,
		loadTimeout: loadTimeout,
		maxAge:      maxAge,
		now:         time.Now,
	}, nil
}

// Load returns the cached snapshot for roleSlug or calls loader once per
// generation, sharing the result between concurrent callers.
func (c *GrantCache) Load(ctx context.Context, roleSlug string, loader func(context.Context) (GrantSnapshot, error)) (GrantSnapshot, error) {
	if c == nil {
		return loader(ctx)
	}
	gen, err := c.sync(ctx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("rbac grant cache version unavailable", slog.Any("error", err))
		}
		return loader(ctx)
	}
	if entry, ok := c.entries.Get(roleSlug); ok && entry.generation == gen && c.fresh(entry) {
		c.observe(true)
		return entry.snapshot, nil
	}
	c.observe(false)

	key := roleSlug + ":" + strconv.FormatUint(gen, 10)
	detached := context.WithoutCancel(ctx)
	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(detached, c.loadTimeout)
		defer cancel()
		loadedAt := c.now()
		snap, err := loader(loadCtx)
		if err != nil {
			return GrantSnapshot{}, err
		}
		c.store(roleSlug, snap, gen, loadedAt)
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return GrantSnapshot{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return GrantSnapshot{}, res.Err
		}
		return res.Val.(GrantSnapshot), nil
	}
}

// Invalidate purges local entries, bumps the shared version and notifies
// other instances.
func (c *GrantCache) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.purge()
	if c.client == nil {
		return nil
	}
	var (
		ver int64
		err error
	)
	for attempt := 1; attempt <= grantBumpAttempts; attempt++ {
		if ver, err = c.client.Incr(ctx, grantVersionKey).Result(); err == nil {
			break
		}
		if ctx.Err() != nil || attempt == grantBumpAttempts {
			break
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("rbac: bump grant version: %w", err)
	}
	c.mu.Lock()
	c.remote = ver
	c.mu.Unlock()
	return c.client.Publish(ctx, grantBumpChan, strconv.FormatInt(ver, 10)).Err()
}

// Listen subscribes to bumps published by other instances until ctx ends.
func (c *GrantCache) Listen(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, grantBumpChan)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe grant bumps: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				c.mu.Lock()
				if err != nil || ver != c.remote {
					c.generation++
					c.entries.Purge()
					if err == nil {
						c.remote = ver
					}
				}
				c.mu.Unlock()
			}
		}
	}()
	return nil
}

// Len reports the number of cached roles.
func (c *GrantCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// sync reconciles with the shared version and returns the local generation.
func (c *GrantCache) sync(ctx context.Context) (uint64, error) {
	var remote int64
	if c.client != nil {
		ver, err := c.client.Get(ctx, grantVersionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		remote = ver
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote != c.remote {
		c.remote = remote
		c.generation++
		c.entries.Purge()
	}
	return c.generation, nil
}

func (c *GrantCache) store(roleSlug string, snap GrantSnapshot, gen uint64, loadedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.entries.Add(roleSlug, grantEntry{snapshot: snap, generation: gen, loadedAt: loadedAt})
}

// fresh reports whether the entry is younger than maxAge. The age counts from
// the start of the load so a slow read cannot extend it.
func (c *GrantCache) fresh(e grantEntry) bool {
	return c.now().Sub(e.loadedAt) < c.maxAge
}

func (c *GrantCache) purge() {
	c.mu.Lock()
	c.generation++
	c.entries.Purge()
	c.mu.Unlock()
}

func (c *GrantCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveGrantCache(hit)
	}
}

// Package tools caches discovered tool descriptors per connection, refreshing
// them when the cache goes stale.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/concierge/internal/storage"
)

// ErrDiscoveryFailed wraps errors from live discovery against a connection.
var ErrDiscoveryFailed = errors.New("tool discovery failed")

// Descriptor is one tool as reported by a connection.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schema"`
}

// Discoverer performs live discovery against a connection.
type Discoverer interface {
	Discover(ctx context.Context, conn storage.Connection) ([]Descriptor, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Cache states reported by Status.
const (
	StateFresh = "fresh"
	StateStale = "stale"
	StateEmpty = "empty"
)

// CacheStatus describes the freshness of one connection's cached tools.
type CacheStatus struct {
	ConnectionID string    `json:"connectionId"`
	State        string    `json:"state"`
	ToolCount    int       `json:"toolCount"`
	LastVerified time.Time `json:"lastVerified"`
	Fresh        bool      `json:"fresh"`
}

// Cache serves tool descriptors for connections, backed by the store.
// Cached rows are served while fresh; stale or empty caches trigger live
// discovery and an atomic replace.
type Cache struct {
	store  *storage.Store
	disc   Discoverer
	maxAge time.Duration
	clock  Clock

	// Serializes discovery per connection so concurrent requests for the
	// same stale connection don't race to replace the cache.
	mu     sync.Mutex
	flight map[string]*sync.Mutex
}

// NewCache creates a Cache with the given staleness window.
func NewCache(store *storage.Store, disc Discoverer, maxAge time.Duration) *Cache {
	return NewCacheWithClock(store, disc, maxAge, realClock{})
}

// NewCacheWithClock creates a Cache with a custom clock (for testing).
func NewCacheWithClock(store *storage.Store, disc Discoverer, maxAge time.Duration, clock Clock) *Cache {
	return &Cache{
		store:  store,
		disc:   disc,
		maxAge: maxAge,
		clock:  clock,
		flight: make(map[string]*sync.Mutex),
	}
}

// GetTools returns the available tools for a connection. With useCache=true a
// fresh cache is served directly; a stale or empty cache triggers live
// discovery. useCache=false always discovers live. Successful discovery
// atomically replaces the cached rows; a failed discovery leaves any
// previously cached rows untouched and returns the error.
func (c *Cache) GetTools(ctx context.Context, connectionID string, useCache bool) ([]storage.DiscoveredTool, error) {
	if useCache {
		rows, ok, err := c.serveFresh(connectionID)
		if err != nil {
			return nil, err
		}
		if ok {
			return rows, nil
		}
	}
	return c.refresh(ctx, connectionID, useCache)
}

// serveFresh returns the cached available rows when the cache is fresh.
func (c *Cache) serveFresh(connectionID string) ([]storage.DiscoveredTool, bool, error) {
	count, lastVerified, err := c.store.ToolCacheInfo(connectionID)
	if err != nil {
		return nil, false, fmt.Errorf("reading tool cache state: %w", err)
	}
	if count == 0 || c.clock.Now().Sub(lastVerified) > c.maxAge {
		return nil, false, nil
	}
	rows, err := c.store.ListDiscoveredTools(connectionID, true)
	if err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *Cache) refresh(ctx context.Context, connectionID string, allowCached bool) ([]storage.DiscoveredTool, error) {
	lock := c.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Another request may have refreshed the cache while this one waited
	// for the lock; discover once, not once per waiter.
	if allowCached {
		rows, ok, err := c.serveFresh(connectionID)
		if err != nil {
			return nil, err
		}
		if ok {
			return rows, nil
		}
	}

	conn, err := c.store.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}

	descriptors, err := c.disc.Discover(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: connection %s: %v", ErrDiscoveryFailed, conn.Name, err)
	}

	now := c.clock.Now().UTC()
	rows := make([]storage.DiscoveredTool, len(descriptors))
	for i, d := range descriptors {
		rows[i] = storage.DiscoveredTool{
			ID:             uuid.NewString(),
			ConnectionID:   connectionID,
			Name:           d.Name,
			Description:    d.Description,
			SchemaJSON:     d.SchemaJSON,
			DiscoveredAt:   now,
			LastVerifiedAt: now,
			Available:      true,
		}
	}
	if err := c.store.ReplaceDiscoveredTools(connectionID, rows); err != nil {
		return nil, fmt.Errorf("replacing cached tools: %w", err)
	}
	return rows, nil
}

func (c *Cache) connLock(connectionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.flight[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		c.flight[connectionID] = lock
	}
	return lock
}

// Status reports the cache freshness for a connection without refreshing it.
func (c *Cache) Status(connectionID string) (CacheStatus, error) {
	count, lastVerified, err := c.store.ToolCacheInfo(connectionID)
	if err != nil {
		return CacheStatus{}, err
	}
	state := StateEmpty
	fresh := false
	if count > 0 {
		if c.clock.Now().Sub(lastVerified) <= c.maxAge {
			state = StateFresh
			fresh = true
		} else {
			state = StateStale
		}
	}
	return CacheStatus{
		ConnectionID: connectionID,
		State:        state,
		ToolCount:    count,
		LastVerified: lastVerified,
		Fresh:        fresh,
	}, nil
}

// SetAvailability toggles a single cached tool without rediscovery.
// Re-enabling a tool counts as verification; disabling does not.
func (c *Cache) SetAvailability(toolID string, available bool) error {
	return c.store.SetToolAvailability(toolID, available, c.clock.Now().UTC())
}

// ToolsForSkill unions the available tools across all of a skill's active
// connections. A single connection's failure is logged and skipped; the
// union of the rest is still returned. An error is returned only when every
// connection fails or the skill's connections cannot be listed.
func (c *Cache) ToolsForSkill(ctx context.Context, skillID string) ([]storage.DiscoveredTool, error) {
	conns, err := c.store.ConnectionsForSkill(skillID)
	if err != nil {
		return nil, fmt.Errorf("listing skill connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, nil
	}

	results := make([][]storage.DiscoveredTool, len(conns))
	failures := make([]error, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns {
		g.Go(func() error {
			tools, err := c.GetTools(gctx, conn.ID, true)
			if err != nil {
				slog.Warn("skipping connection in tool aggregation",
					"connection", conn.Name, "error", err)
				failures[i] = err
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []storage.DiscoveredTool
	failed := 0
	for i := range conns {
		if failures[i] != nil {
			failed++
			continue
		}
		all = append(all, results[i]...)
	}
	if failed == len(conns) {
		return nil, fmt.Errorf("%w: all %d connections failed, first error: %v",
			ErrDiscoveryFailed, failed, firstError(failures))
	}
	return all, nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

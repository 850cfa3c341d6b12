// Package cache is the read path of the sync core: a proxy that serves
// entity and query reads under one of three freshness policies.
//
// Entries live in two tiers. A bounded in-memory LRU answers hot reads
// without touching SQLite; the durable tier in the local store survives
// restarts and is what quota eviction trims. Background refreshes for the
// same key are collapsed into one fetch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/schema"
)

// ErrNotCached is returned by a read that has neither a cached value nor a
// successful fetch to fall back on.
var ErrNotCached = errors.New("not cached")

// Fetcher reads the live value behind a cache key from the backend.
type Fetcher interface {
	Fetch(ctx context.Context, key schema.CacheKey) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key schema.CacheKey) (json.RawMessage, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key schema.CacheKey) (json.RawMessage, error) {
	return f(ctx, key)
}

// Store is the durable tier. *db.DB satisfies it.
type Store interface {
	PutCacheEntry(ctx context.Context, e *schema.CacheEntry) error
	GetCacheEntry(ctx context.Context, key schema.CacheKey) (*schema.CacheEntry, error)
	TouchCacheEntry(ctx context.Context, key schema.CacheKey, at time.Time) error
	MarkEntityStale(ctx context.Context, entityType, id string) ([]schema.CacheKey, error)
	DeleteCacheEntry(ctx context.Context, key schema.CacheKey) error
	EvictCacheEntries(ctx context.Context, limit int) ([]schema.CacheKey, error)
}

// Config holds configuration for the proxy.
type Config struct {
	// MaxEntries bounds the in-memory tier.
	MaxEntries int

	// DefaultPolicy is used when a read passes an empty policy.
	DefaultPolicy schema.CachePolicy

	// EvictBatch is how many durable entries one quota eviction removes.
	EvictBatch int

	// RefreshTimeout bounds a background refresh.
	RefreshTimeout time.Duration

	// Online, when set, suppresses background refreshes while it reports
	// false. Foreground fetches are always attempted.
	Online func() bool

	// OnQuotaWarning is called when eviction alone could not make room to
	// persist a fetched value.
	OnQuotaWarning func(err error)

	Now    func() time.Time
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:     1024,
		DefaultPolicy:  schema.CacheFirst,
		EvictBatch:     32,
		RefreshTimeout: 15 * time.Second,
		Now:            time.Now,
		Logger:         log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Proxy serves cached reads.
type Proxy struct {
	store   Store
	fetcher Fetcher
	config  *Config
	memory  *lru.Cache[string, *schema.CacheEntry]
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a proxy over the durable store and the backend fetcher.
func New(store Store, fetcher Fetcher, config *Config) (*Proxy, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1024
	}
	if config.DefaultPolicy == "" {
		config.DefaultPolicy = schema.CacheFirst
	}
	if config.EvictBatch <= 0 {
		config.EvictBatch = 32
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	memory, err := lru.New[string, *schema.CacheEntry](config.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		store:   store,
		fetcher: fetcher,
		config:  config,
		memory:  memory,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Read returns the value for key under policy.
func (p *Proxy) Read(ctx context.Context, key schema.CacheKey, policy schema.CachePolicy) (json.RawMessage, error) {
	entry, err := p.ReadEntry(ctx, key, policy)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// ReadEntry is Read returning the full cache entry.
//
//   - cache-first returns any cached value regardless of age. A value marked
//     stale by invalidation is returned and refreshed in the background.
//   - network-first fetches live and falls back to the cached value when
//     the fetch fails.
//   - stale-while-revalidate returns a cached value at once and always
//     refreshes it in the background.
//
// With nothing cached, every policy fetches in the foreground.
func (p *Proxy) ReadEntry(ctx context.Context, key schema.CacheKey, policy schema.CachePolicy) (*schema.CacheEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = p.config.DefaultPolicy
	}

	switch policy {
	case schema.CacheFirst:
		cached, err := p.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			if cached.Stale {
				p.refreshAsync(key, policy)
			}
			return cached, nil
		}
		return p.fetch(ctx, key, policy)

	case schema.NetworkFirst:
		fresh, fetchErr := p.fetch(ctx, key, policy)
		if fetchErr == nil {
			return fresh, nil
		}
		cached, err := p.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			p.config.Logger.Printf("Serving cached %s after fetch failure: %v", key, fetchErr)
			return cached, nil
		}
		return nil, fetchErr

	case schema.StaleWhileRevalidate:
		cached, err := p.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			p.refreshAsync(key, policy)
			return cached, nil
		}
		return p.fetch(ctx, key, policy)
	}
	return nil, fmt.Errorf("%w: unknown cache policy %q", schema.ErrInvalid, policy)
}

// Peek returns the cached entry without fetching, or ErrNotCached.
func (p *Proxy) Peek(ctx context.Context, key schema.CacheKey) (*schema.CacheEntry, error) {
	cached, err := p.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrNotCached)
	}
	return cached, nil
}

// Put stores a value fetched elsewhere, such as a snapshot returned by a
// sync, as fresh.
func (p *Proxy) Put(ctx context.Context, key schema.CacheKey, value json.RawMessage, policy schema.CachePolicy) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if policy == "" {
		policy = p.config.DefaultPolicy
	}
	now := p.config.Now()
	entry := &schema.CacheEntry{
		Key:        key,
		Value:      value,
		FetchedAt:  now,
		AccessedAt: now,
		Policy:     policy,
	}
	p.memory.Add(key.String(), entry)
	return p.persist(ctx, entry)
}

// Invalidate marks the entity's entry and every query over its type stale
// in both tiers.
func (p *Proxy) Invalidate(ctx context.Context, entityType, id string) error {
	keys, err := p.store.MarkEntityStale(ctx, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to invalidate %s/%s: %w", entityType, id, err)
	}
	for _, k := range keys {
		p.markMemoryStale(k.String())
	}
	// The memory tier may hold entries the durable tier lost to eviction.
	p.markMemoryStale(schema.EntityKey(entityType, id).String())
	for _, name := range p.memory.Keys() {
		if entry, ok := p.memory.Peek(name); ok && entry.Key.EntityType == entityType && entry.Key.IsQuery() {
			p.markMemoryStale(name)
		}
	}
	return nil
}

// Evict removes up to n least-recently-read durable entries, skipping any
// tied to a pending mutation, and drops them from memory. It returns the
// number evicted.
func (p *Proxy) Evict(ctx context.Context, n int) (int, error) {
	keys, err := p.store.EvictCacheEntries(ctx, n)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		p.memory.Remove(k.String())
	}
	if len(keys) > 0 {
		p.config.Logger.Printf("Evicted %d cache entries", len(keys))
	}
	return len(keys), nil
}

// Len returns the number of entries in the memory tier.
func (p *Proxy) Len() int {
	return p.memory.Len()
}

// Wait blocks until in-progress background refreshes finish.
func (p *Proxy) Wait() {
	p.wg.Wait()
}

// Close cancels background refreshes and waits for them.
func (p *Proxy) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Proxy) markMemoryStale(name string) {
	entry, ok := p.memory.Peek(name)
	if !ok || entry.Stale {
		return
	}
	cp := *entry
	cp.Stale = true
	p.memory.Add(name, &cp)
}

// lookup checks memory, then the durable tier. A miss returns nil, nil.
func (p *Proxy) lookup(ctx context.Context, key schema.CacheKey) (*schema.CacheEntry, error) {
	name := key.String()
	now := p.config.Now()

	if entry, ok := p.memory.Get(name); ok {
		p.touch(ctx, key, now)
		return entry, nil
	}

	entry, err := p.store.GetCacheEntry(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	entry.AccessedAt = now
	p.memory.Add(name, entry)
	p.touch(ctx, key, now)
	return entry, nil
}

func (p *Proxy) touch(ctx context.Context, key schema.CacheKey, at time.Time) {
	if err := p.store.TouchCacheEntry(ctx, key, at); err != nil {
		p.config.Logger.Printf("Warning: failed to record access to %s: %v", key, err)
	}
}

// fetch reads live, stores the result in both tiers and returns it. A
// failure to persist does not fail the read.
func (p *Proxy) fetch(ctx context.Context, key schema.CacheKey, policy schema.CachePolicy) (*schema.CacheEntry, error) {
	value, err := p.fetcher.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	now := p.config.Now()
	entry := &schema.CacheEntry{
		Key:        key,
		Value:      value,
		FetchedAt:  now,
		AccessedAt: now,
		Policy:     policy,
	}
	p.memory.Add(key.String(), entry)
	if err := p.persist(ctx, entry); err != nil {
		p.config.Logger.Printf("Warning: failed to persist %s: %v", key, err)
	}
	return entry, nil
}

// persist writes an entry to the durable tier. On a quota failure it evicts
// one batch and retries once.
func (p *Proxy) persist(ctx context.Context, entry *schema.CacheEntry) error {
	err := p.store.PutCacheEntry(ctx, entry)
	if !errors.Is(err, db.ErrStorageQuotaExceeded) {
		return err
	}

	if _, evictErr := p.Evict(ctx, p.config.EvictBatch); evictErr != nil {
		return fmt.Errorf("failed to evict after quota error: %w", evictErr)
	}
	if err := p.store.PutCacheEntry(ctx, entry); err != nil {
		if errors.Is(err, db.ErrStorageQuotaExceeded) && p.config.OnQuotaWarning != nil {
			p.config.OnQuotaWarning(err)
		}
		return err
	}
	return nil
}

// refreshAsync refreshes key in the background. Concurrent refreshes of one
// key share a single fetch.
func (p *Proxy) refreshAsync(key schema.CacheKey, policy schema.CachePolicy) {
	if p.ctx.Err() != nil {
		return
	}
	if p.config.Online != nil && !p.config.Online() {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := p.ctx
		if p.config.RefreshTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.config.RefreshTimeout)
			defer cancel()
		}

		_, err, _ := p.group.Do(key.String(), func() (any, error) {
			return p.fetch(ctx, key, policy)
		})
		if err != nil && p.ctx.Err() == nil {
			p.config.Logger.Printf("Background refresh of %s failed: %v", key, err)
		}
	}()
}

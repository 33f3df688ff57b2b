package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is a Repository that also applies counter writes.
type Store interface {
	Repository
	SetStock(ctx context.Context, id int64, stock int) error
	AdjustSold(ctx context.Context, id int64, delta int) error
	AdjustTotalSales(ctx context.Context, id int64, delta int) error
}

// Cache is a read-through cache in front of a Store. Reads through Ticket may
// be stale for up to the configured TTL; FreshTicket always hits the store.
// Writes go to the store and drop the cached entry. A read that overlaps a
// write is returned but not cached.
type Cache struct {
	store Store
	lru   *expirable.LRU[int64, Ticket]

	mu  sync.Mutex
	gen uint64 // bumped by every write
}

// NewCache wraps store with an LRU of the given size and entry TTL.
func NewCache(store Store, size int, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		lru:   expirable.NewLRU[int64, Ticket](size, nil, ttl),
	}
}

// Ticket returns the cached ticket, loading it on a miss.
func (c *Cache) Ticket(ctx context.Context, id int64) (*Ticket, error) {
	if t, ok := c.lru.Get(id); ok {
		return &t, nil
	}
	return c.FreshTicket(ctx, id)
}

// FreshTicket reads the ticket from the store and refreshes the cache.
func (c *Cache) FreshTicket(ctx context.Context, id int64) (*Ticket, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	t, err := c.store.Ticket(ctx, id)
	if err != nil {
		c.lru.Remove(id)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.lru.Add(id, *t)
	}
	return t, nil
}

func (c *Cache) evict(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Remove(id)
}

// SetStock writes through and evicts.
func (c *Cache) SetStock(ctx context.Context, id int64, stock int) error {
	defer c.evict(id)
	return c.store.SetStock(ctx, id, stock)
}

// AdjustSold writes through and evicts.
func (c *Cache) AdjustSold(ctx context.Context, id int64, delta int) error {
	defer c.evict(id)
	return c.store.AdjustSold(ctx, id, delta)
}

// AdjustTotalSales writes through and evicts.
func (c *Cache) AdjustTotalSales(ctx context.Context, id int64, delta int) error {
	defer c.evict(id)
	return c.store.AdjustTotalSales(ctx, id, delta)
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

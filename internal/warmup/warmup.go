// Package warmup primes the reference caches from the remote once per
// process.
package warmup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/store"
)

type State int

const (
	NotStarted State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "not_started"
	}
}

type Stats struct {
	StoreID   string        `json:"store_id"`
	Products  int           `json:"products"`
	Customers int           `json:"customers"`
	Took      time.Duration `json:"took"`
}

// Coordinator owns the warm-up lifecycle for every store on the device.
// The first Ensure for a store loads it; concurrent callers wait for that
// load; a failed load resets the store to NotStarted so a later call retries.
type Coordinator struct {
	remote    store.Remote
	products  *cache.ProductCache
	customers *cache.CustomerCache

	mu     sync.Mutex
	states map[string]*run
}

type run struct {
	state State
	done  chan struct{}
	stats Stats
	err   error
}

func New(remote store.Remote, products *cache.ProductCache, customers *cache.CustomerCache) *Coordinator {
	return &Coordinator{
		remote:    remote,
		products:  products,
		customers: customers,
		states:    make(map[string]*run),
	}
}

func (c *Coordinator) State(storeID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.states[storeID]; ok {
		return r.state
	}
	return NotStarted
}

// Ensure returns once storeID is Loaded, loading it if no other caller is.
func (c *Coordinator) Ensure(ctx context.Context, storeID string) (Stats, error) {
	c.mu.Lock()
	r, ok := c.states[storeID]
	if ok && r.state != NotStarted {
		c.mu.Unlock()
		select {
		case <-r.done:
			return r.stats, r.err
		case <-ctx.Done():
			return Stats{}, ctx.Err()
		}
	}
	r = &run{state: Loading, done: make(chan struct{})}
	c.states[storeID] = r
	c.mu.Unlock()

	stats, err := c.load(ctx, storeID)

	c.mu.Lock()
	r.stats, r.err = stats, err
	if err != nil {
		r.state = NotStarted
		delete(c.states, storeID)
	} else {
		r.state = Loaded
	}
	c.mu.Unlock()
	close(r.done)
	return stats, err
}

// Reload forces a fresh load of storeID, e.g. for an operator cache refresh.
func (c *Coordinator) Reload(ctx context.Context, storeID string) (Stats, error) {
	c.mu.Lock()
	if r, ok := c.states[storeID]; ok && r.state == Loaded {
		delete(c.states, storeID)
	}
	c.mu.Unlock()
	return c.Ensure(ctx, storeID)
}

func (c *Coordinator) load(ctx context.Context, storeID string) (Stats, error) {
	started := time.Now()
	stats := Stats{StoreID: storeID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		products, err := c.remote.ListProducts(gctx, storeID)
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		if err := c.products.Save(gctx, storeID, products); err != nil {
			return fmt.Errorf("save products: %w", err)
		}
		stats.Products = len(products)
		return nil
	})
	g.Go(func() error {
		customers, err := c.remote.ListCustomers(gctx, storeID)
		if err != nil {
			return fmt.Errorf("load customers: %w", err)
		}
		if err := c.customers.Save(gctx, storeID, customers); err != nil {
			return fmt.Errorf("save customers: %w", err)
		}
		stats.Customers = len(customers)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("component", "warmup").Str("store_id", storeID).Msg("cache warm-up failed")
		return Stats{}, err
	}

	stats.Took = time.Since(started)
	log.Info().Str("component", "warmup").
		Str("store_id", storeID).
		Int("products", stats.Products).
		Int("customers", stats.Customers).
		Dur("took", stats.Took).
		Msg("caches warmed")
	return stats, nil
}

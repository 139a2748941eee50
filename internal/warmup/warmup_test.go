package warmup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/store/memory"
)

type gatedRemote struct {
	*memory.Store
	gate chan struct{}
}

func (g *gatedRemote) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	<-g.gate
	return g.Store.ListProducts(ctx, storeID)
}

func newCoordinator(remote store.Remote) (*Coordinator, *cache.ProductCache, *cache.CustomerCache) {
	kv := localstore.NewMemoryStore()
	products := cache.NewProductCache(kv, false)
	customers := cache.NewCustomerCache(kv)
	return New(remote, products, customers), products, customers
}

func TestEnsureLoadsOnceForConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	remote := &gatedRemote{Store: memory.NewSeeded("store-001"), gate: make(chan struct{})}
	_, err := remote.CreateCustomer(ctx, domain.Customer{CustomerName: "Asha", Phone: "9000000001", StoreID: "store-001"})
	require.NoError(t, err)
	c, products, customers := newCoordinator(remote)

	assert.Equal(t, NotStarted, c.State("store-001"))

	var wg sync.WaitGroup
	results := make([]Stats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := c.Ensure(ctx, "store-001")
			assert.NoError(t, err)
			results[i] = stats
		}(i)
	}

	require.Eventually(t, func() bool { return c.State("store-001") == Loading }, timeout, tick)
	close(remote.gate)
	wg.Wait()

	assert.Equal(t, Loaded, c.State("store-001"))
	assert.Equal(t, 1, remote.Calls("ListCustomers"), "only the first caller loads")
	for _, stats := range results {
		assert.Equal(t, 5, stats.Products)
		assert.Equal(t, 1, stats.Customers)
	}
	assert.Len(t, products.Load(ctx, "store-001"), 5)
	assert.NotNil(t, customers.GetByPhone(ctx, "9000000001", "store-001"))
}

func TestFailedLoadCanBeRetried(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewSeeded("store-001")
	c, products, _ := newCoordinator(remote)

	remote.Fail("ListCustomers", store.Transient("list customers", errors.New("unreachable")))
	_, err := c.Ensure(ctx, "store-001")
	require.Error(t, err)
	assert.Equal(t, NotStarted, c.State("store-001"))

	remote.Fail("ListCustomers", nil)
	stats, err := c.Ensure(ctx, "store-001")
	require.NoError(t, err)
	assert.Equal(t, Loaded, c.State("store-001"))
	assert.Equal(t, 5, stats.Products)
	assert.Len(t, products.Load(ctx, "store-001"), 5)

	_, err = c.Ensure(ctx, "store-001")
	require.NoError(t, err)
	assert.Equal(t, 2, remote.Calls("ListProducts"), "loaded stores are not reloaded")

	_, err = c.Reload(ctx, "store-001")
	require.NoError(t, err)
	assert.Equal(t, 3, remote.Calls("ListProducts"))
}

func TestEnsureRespectsCallerContext(t *testing.T) {
	remote := &gatedRemote{Store: memory.NewSeeded("store-001"), gate: make(chan struct{})}
	c, _, _ := newCoordinator(remote)

	go func() { _, _ = c.Ensure(context.Background(), "store-001") }()
	require.Eventually(t, func() bool { return c.State("store-001") == Loading }, timeout, tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ensure(ctx, "store-001")
	assert.ErrorIs(t, err, context.Canceled)
	close(remote.gate)
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

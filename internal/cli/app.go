package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/config"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/network"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/service"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/store/memory"
	pgstore "github.com/supabase06-cpu/posv1/internal/store/postgres"
	"github.com/supabase06-cpu/posv1/internal/syncer"
	"github.com/supabase06-cpu/posv1/internal/warmup"
)

const connectTimeout = 10 * time.Second

// app holds the wired components every command works against.
type app struct {
	cfg       config.Config
	local     localstore.Store
	remote    store.Remote
	monitor   *network.Monitor
	queue     *queue.Queue
	products  *cache.ProductCache
	customers *cache.CustomerCache
	engine    *syncer.Engine
	service   *service.Service
	warmup    *warmup.Coordinator

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	local, err := localstore.Open(openCtx, localstore.Options{
		Backend:       cfg.StorageBackend,
		Fallback:      cfg.StorageFallback,
		DataDir:       cfg.DataDir,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	a.local = local
	a.closers = append(a.closers, local.Close)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(openCtx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with the in-memory backend: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(openCtx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.remote = pg
		log.Info().Str("component", "cli").Msg("remote: postgres")
	} else {
		a.remote = memory.NewSeeded(cfg.StoreID)
		log.Info().Str("component", "cli").Msg("remote: in-memory")
	}

	a.monitor = network.NewMonitor(network.RemoteProbe(a.remote), cfg.NetworkCheckInterval, false)
	a.monitor.Check(openCtx)

	a.queue = queue.New(a.local)
	a.products = cache.NewProductCache(a.local, cfg.MultiStoreDevice)
	a.customers = cache.NewCustomerCache(a.local)
	a.engine = syncer.New(syncer.Deps{
		Queue:     a.queue,
		Remote:    a.remote,
		State:     a.local,
		Network:   a.monitor,
		Customers: a.customers,
	}, syncer.Options{
		Interval:    cfg.SyncInterval,
		MaxAttempts: cfg.MaxRetryAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		StoreID:     cfg.StoreID,
		DeviceID:    cfg.DeviceID,
	})
	a.service = service.New(service.Deps{
		Remote:    a.remote,
		Queue:     a.queue,
		Products:  a.products,
		Customers: a.customers,
	}, service.Options{
		StoreID:        cfg.StoreID,
		CounterID:      cfg.CounterID,
		DefaultTaxRate: decimal.NewNullDecimal(decimal.NewFromFloat(cfg.DefaultTaxRate)),
	})
	a.warmup = warmup.New(a.remote, a.products, a.customers)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("close error")
		}
	}
	a.closers = nil
}

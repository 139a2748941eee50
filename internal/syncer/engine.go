// Package syncer drains the write-behind queue against the remote backend.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/store"
)

// LastSyncKey stores the time of the most recent pass that synced anything.
// It is read only for display.
const LastSyncKey = "sync/last_sync_time"

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 6
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
)

// Connectivity is satisfied by *network.Monitor.
type Connectivity interface {
	Online() bool
	Subscribe() <-chan bool
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StoreID and DeviceID are stamped on remote sync log rows. Logging is
	// skipped when StoreID is empty.
	StoreID  string
	DeviceID string

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type Deps struct {
	Queue   *queue.Queue
	Remote  store.Remote
	State   localstore.Store
	Network Connectivity
	// Customers is optional; when set, customers created while resolving
	// offline intake records are written back to it.
	Customers *cache.CustomerCache
}

// Result summarizes one pass.
type Result struct {
	Skipped   bool `json:"skipped"`
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Deferred  int  `json:"deferred"`

	// Superseded counts stock adjustments dropped because a newer one for
	// the same product is queued.
	Superseded int `json:"superseded"`
}

type handler func(ctx context.Context, item domain.QueueItem) error

type Engine struct {
	queue     *queue.Queue
	remote    store.Remote
	state     localstore.Store
	network   Connectivity
	customers *cache.CustomerCache
	opts      Options

	handlers map[string]handler
	running  atomic.Bool
	trigger  chan struct{}
	changes  <-chan bool
}

func New(deps Deps, opts Options) *Engine {
	e := &Engine{
		queue:     deps.Queue,
		remote:    deps.Remote,
		state:     deps.State,
		network:   deps.Network,
		customers: deps.Customers,
		opts:      opts.withDefaults(),
		trigger:   make(chan struct{}, 1),
	}
	if e.network != nil {
		e.changes = e.network.Subscribe()
	}
	e.handlers = map[string]handler{
		domain.QueueTypeSale:                e.syncSale,
		domain.QueueTypeInventoryAdjustment: e.syncInventory,
		domain.QueueTypeSalesIntake:         e.syncIntake,
	}
	return e
}

func (e *Engine) Online() bool {
	return e.network == nil || e.network.Online()
}

func (e *Engine) Syncing() bool {
	return e.running.Load()
}

// Trigger asks the running loop for a pass. Requests made while one is
// already pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives passes from the interval timer, reconnect events and Trigger
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.pass(ctx, "startup")

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pass(ctx, "interval")
		case online := <-e.changes:
			if online {
				e.pass(ctx, "reconnect")
			}
		case <-e.trigger:
			e.pass(ctx, "manual")
		}
	}
}

func (e *Engine) pass(ctx context.Context, reason string) {
	if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("component", "syncer").Str("trigger", reason).Msg("sync pass aborted")
	}
}

// RunOnce performs one pass over the unsynced queue. A call made while
// another pass is active returns immediately with Skipped set.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer e.running.Store(false)

	if !e.Online() {
		return Result{Offline: true}, nil
	}

	items := e.queue.List(ctx, true)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	var (
		res     Result
		lastErr error
	)
	latest := latestAdjustments(items)
	now := e.opts.Now()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if key, ok := adjustmentKey(item); ok && latest[key] != item.ID {
			e.supersede(ctx, item, latest[key])
			res.Superseded++
			continue
		}
		if item.Terminal {
			continue
		}
		if now.Before(e.NextAttempt(item)) {
			res.Deferred++
			continue
		}

		h, ok := e.handlers[item.Type]
		if !ok {
			e.recordUnsupported(ctx, item)
			res.Failed++
			continue
		}

		res.Attempted++
		if err := h(ctx, item); err != nil {
			lastErr = err
			res.Failed++
			e.recordFailure(ctx, item, err)
			continue
		}
		res.Succeeded++
		e.complete(ctx, item)
	}

	if res.Succeeded > 0 {
		if err := localstore.WriteJSON(ctx, e.state, LastSyncKey, e.opts.Now()); err != nil {
			log.Warn().Err(err).Str("component", "syncer").Msg("last sync time not saved")
		}
	}
	if res.Attempted > 0 {
		e.recordSyncLog(ctx, res, lastErr)
		log.Info().Str("component", "syncer").
			Int("attempted", res.Attempted).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("deferred", res.Deferred).
			Msg("sync pass finished")
	}
	return res, nil
}

// latestAdjustments maps each store/product pair to the newest queued
// adjustment for it. items must be sorted oldest first.
func latestAdjustments(items []domain.QueueItem) map[string]string {
	latest := make(map[string]string)
	for _, item := range items {
		if key, ok := adjustmentKey(item); ok {
			latest[key] = item.ID
		}
	}
	return latest
}

// adjustmentKey identifies the stock row an inventory adjustment sets.
// Adjustments carry an absolute level, so only the newest per key matters.
func adjustmentKey(item domain.QueueItem) (string, bool) {
	if item.Type != domain.QueueTypeInventoryAdjustment {
		return "", false
	}
	adj, err := decode[domain.InventoryAdjustment](item)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s/%d", adj.StoreID, adj.ProductID), true
}

func (e *Engine) supersede(ctx context.Context, item domain.QueueItem, newerID string) {
	if err := e.queue.Remove(ctx, item.ID); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Str("id", item.ID).Msg("remove superseded adjustment failed")
		return
	}
	log.Info().Str("component", "syncer").Str("id", item.ID).Str("newer_id", newerID).Msg("dropped superseded stock adjustment")
}

// NextAttempt is the earliest time item may be sent again.
func (e *Engine) NextAttempt(item domain.QueueItem) time.Time {
	return item.CreatedAt.Add(Backoff(item.Attempts, e.opts.BackoffBase, e.opts.BackoffCap))
}

// Backoff returns min(base*2^attempts, cap).
func Backoff(attempts int, base time.Duration, limit time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= limit {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

func (e *Engine) complete(ctx context.Context, item domain.QueueItem) {
	if err := e.queue.Update(ctx, item.ID, queue.Patch{
		Synced:    queue.BoolPtr(true),
		LastError: queue.StringPtr(""),
	}); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Str("id", item.ID).Msg("mark queue item synced failed")
		return
	}
	if err := e.queue.Remove(ctx, item.ID); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Str("id", item.ID).Msg("remove synced queue item failed")
	}
}

func (e *Engine) recordFailure(ctx context.Context, item domain.QueueItem, cause error) {
	attempts := item.Attempts + 1
	kind := store.KindOf(cause)
	msg := cause.Error()
	terminal := false
	switch {
	case kind == store.KindPermanent:
		terminal = true
		msg = "rejected: " + msg
	case attempts >= e.opts.MaxAttempts:
		terminal = true
		msg = fmt.Sprintf("max attempts reached (%d): %s", attempts, msg)
	}

	if err := e.queue.Update(ctx, item.ID, queue.Patch{
		Attempts:  queue.IntPtr(attempts),
		Terminal:  queue.BoolPtr(terminal),
		LastError: queue.StringPtr(msg),
	}); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Str("id", item.ID).Msg("record failure failed")
	}

	event := log.Warn()
	if terminal {
		event = log.Error()
	}
	event.Err(cause).Str("component", "syncer").
		Str("id", item.ID).
		Str("type", item.Type).
		Str("kind", kind.String()).
		Int("attempts", attempts).
		Bool("terminal", terminal).
		Msg("queue item failed")
}

func (e *Engine) recordUnsupported(ctx context.Context, item domain.QueueItem) {
	if err := e.queue.Update(ctx, item.ID, queue.Patch{
		LastError: queue.StringPtr("unsupported-item-type:" + item.Type),
	}); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Str("id", item.ID).Msg("record unsupported type failed")
	}
}

func (e *Engine) recordSyncLog(ctx context.Context, res Result, lastErr error) {
	if e.remote == nil || e.opts.StoreID == "" {
		return
	}
	status := "success"
	switch {
	case res.Succeeded == 0:
		status = "failed"
	case res.Failed > 0:
		status = "partial"
	}
	entry := domain.SyncLog{
		StoreID:      e.opts.StoreID,
		DesktopID:    e.opts.DeviceID,
		SyncType:     "queue",
		Status:       status,
		RecordsCount: res.Succeeded,
		Timestamp:    e.opts.Now(),
	}
	if lastErr != nil {
		entry.ErrorMessage = lastErr.Error()
	}
	if err := e.remote.CreateSyncLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("component", "syncer").Msg("sync log not recorded")
	}
}

func decode[T any](item domain.QueueItem) (T, error) {
	var payload T
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return payload, store.Permanent("decode "+item.Type, err)
	}
	return payload, nil
}

func (e *Engine) syncSale(ctx context.Context, item domain.QueueItem) error {
	sale, err := decode[domain.Sale](item)
	if err != nil {
		return err
	}
	row, err := e.remote.CreateSale(ctx, sale)
	if err != nil {
		return err
	}
	if row == nil {
		return store.Transient("create sale", errors.New("create sale returned no row"))
	}
	return e.remote.MarkSaleSynced(ctx, row.ID)
}

func (e *Engine) syncInventory(ctx context.Context, item domain.QueueItem) error {
	adj, err := decode[domain.InventoryAdjustment](item)
	if err != nil {
		return err
	}
	_, err = e.remote.UpdateInventory(ctx, adj.ProductID, adj.NewStock, adj.StoreID)
	return err
}

func (e *Engine) syncIntake(ctx context.Context, item domain.QueueItem) error {
	intake, err := decode[domain.SalesIntake](item)
	if err != nil {
		return err
	}
	if intake.CustomerID != nil && *intake.CustomerID < 0 {
		id, err := e.resolveCustomer(ctx, intake)
		if err != nil {
			return err
		}
		intake.CustomerID = id
	}
	return e.remote.CreateSalesIntake(ctx, intake)
}

// resolveCustomer swaps a temporary offline customer id for the server id,
// creating the customer remotely when the phone is unknown.
func (e *Engine) resolveCustomer(ctx context.Context, intake domain.SalesIntake) (*int64, error) {
	if intake.CustomerPhone == "" {
		return nil, nil
	}
	existing, err := e.remote.FindCustomerByPhone(ctx, intake.CustomerPhone, intake.StoreID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing == nil {
		existing, err = e.remote.CreateCustomer(ctx, domain.Customer{
			CustomerName: intake.CustomerName,
			Phone:        intake.CustomerPhone,
			Email:        intake.CustomerEmail,
			StoreID:      intake.StoreID,
			IsActive:     true,
		})
		if err != nil {
			return nil, err
		}
	}

	if e.customers != nil {
		tempID := *intake.CustomerID
		if err := e.customers.Replace(ctx, intake.StoreID, tempID, *existing); err != nil {
			log.Warn().Err(err).Str("component", "syncer").Msg("customer cache not updated")
		}
	}
	id := existing.ID
	return &id, nil
}

// Retry clears the terminal flag and attempt count so the next pass sends
// the item again.
func (e *Engine) Retry(ctx context.Context, id string) error {
	if err := e.queue.Update(ctx, id, queue.Patch{
		Attempts:  queue.IntPtr(0),
		Terminal:  queue.BoolPtr(false),
		LastError: queue.StringPtr(""),
	}); err != nil {
		return err
	}
	log.Info().Str("component", "syncer").Str("id", id).Msg("queue item reset for retry")
	e.Trigger()
	return nil
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.queue.Remove(ctx, id)
}

func (e *Engine) LastSyncTime(ctx context.Context) *time.Time {
	var at time.Time
	found, err := localstore.ReadJSON(ctx, e.state, LastSyncKey, &at)
	if err != nil {
		log.Warn().Err(err).Str("component", "syncer").Msg("last sync time unreadable")
		return nil
	}
	if !found {
		return nil
	}
	return &at
}

func (e *Engine) Status(ctx context.Context) domain.SyncStatus {
	status := domain.SyncStatus{
		Online:       e.Online(),
		Syncing:      e.Syncing(),
		LastSyncTime: e.LastSyncTime(ctx),
	}
	for _, item := range e.queue.List(ctx, true) {
		status.PendingTotal++
		if item.Type == domain.QueueTypeSale {
			status.PendingSales++
		}
		if item.Terminal {
			status.Failed++
		}
	}
	return status
}

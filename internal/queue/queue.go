// Package queue is the device's write-behind queue: an ordered, durable list of
// remote writes that have not been confirmed yet.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/xid"
)

// Key holds the whole queue as one JSON array. It is device-global; payloads
// carry their own store id.
const Key = "local_queue"

var ErrNotFound = errors.New("queue item not found")

// Patch is a merge-patch for a queue item. Nil fields are left unchanged; an
// empty LastError clears the recorded error.
type Patch struct {
	Attempts  *int
	Synced    *bool
	Terminal  *bool
	LastError *string
}

type Queue struct {
	store localstore.Store
	now   func() time.Time
	newID func() string

	mu sync.Mutex
}

func New(store localstore.Store) *Queue {
	return &Queue{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return xid.New("") },
	}
}

// WithClock overrides the enqueue timestamp source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue durably appends a new pending item. The error is non-nil only when
// the item could not be persisted.
func (q *Queue) Enqueue(ctx context.Context, itemType string, payload any) (domain.QueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("encode %s payload: %w", itemType, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item := domain.QueueItem{
		ID:        q.newID(),
		Type:      itemType,
		Payload:   raw,
		CreatedAt: q.now(),
	}
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		return domain.QueueItem{}, err
	}

	log.Info().Str("component", "queue").Str("id", item.ID).Str("type", itemType).Int("depth", len(items)).Msg("enqueued")
	return item, nil
}

// List returns the queue in insertion order. Read failures yield an empty list.
func (q *Queue) List(ctx context.Context, onlyUnsynced bool) []domain.QueueItem {
	items, err := q.load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "queue").Msg("queue read failed")
		return []domain.QueueItem{}
	}
	if !onlyUnsynced {
		return items
	}
	out := make([]domain.QueueItem, 0, len(items))
	for _, item := range items {
		if !item.Synced {
			out = append(out, item)
		}
	}
	return out
}

func (q *Queue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	for _, item := range q.List(ctx, false) {
		if item.ID == id {
			return item, nil
		}
	}
	return domain.QueueItem{}, ErrNotFound
}

func (q *Queue) Update(ctx context.Context, id string, patch Patch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(items, id)
	if idx < 0 {
		return ErrNotFound
	}

	item := &items[idx]
	if patch.Attempts != nil {
		item.Attempts = *patch.Attempts
	}
	if patch.Synced != nil {
		item.Synced = *patch.Synced
	}
	if patch.Terminal != nil {
		item.Terminal = *patch.Terminal
	}
	if patch.LastError != nil {
		if *patch.LastError == "" {
			item.LastError = nil
		} else {
			msg := *patch.LastError
			item.LastError = &msg
		}
	}
	return q.save(ctx, items)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(items, id)
	if idx < 0 {
		return ErrNotFound
	}
	items = append(items[:idx], items[idx+1:]...)
	if err := q.save(ctx, items); err != nil {
		return err
	}
	log.Info().Str("component", "queue").Str("id", id).Int("depth", len(items)).Msg("removed")
	return nil
}

// PendingCount counts unsynced items of itemType, or of every type when
// itemType is empty.
func (q *Queue) PendingCount(ctx context.Context, itemType string) int {
	count := 0
	for _, item := range q.List(ctx, true) {
		if itemType == "" || item.Type == itemType {
			count++
		}
	}
	return count
}

func (q *Queue) load(ctx context.Context) ([]domain.QueueItem, error) {
	var items []domain.QueueItem
	found, err := localstore.ReadJSON(ctx, q.store, Key, &items)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if !found || items == nil {
		items = []domain.QueueItem{}
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []domain.QueueItem) error {
	if err := localstore.WriteJSON(ctx, q.store, Key, items); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}

func indexOf(items []domain.QueueItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func IntPtr(v int) *int          { return &v }
func BoolPtr(v bool) *bool       { return &v }
func StringPtr(v string) *string { return &v }

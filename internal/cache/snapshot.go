// Package cache holds the device's reference data: versioned, store-scoped
// snapshots of products and customers that serve lookups while offline.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/supabase06-cpu/posv1/internal/localstore"
)

// SchemaVersion is bumped whenever the record layout changes. Snapshots
// written with another version load as empty.
const SchemaVersion = 1

type Metadata struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	StoreID     string    `json:"storeId"`
}

type Entry[T any] struct {
	Metadata Metadata `json:"metadata"`
	Records  []T      `json:"records"`
}

type Record interface {
	RecordID() int64
}

// Snapshot persists one Entry per store under keyPrefix+storeID. Reads never
// return an error; anything unreadable is a cold start.
type Snapshot[T Record] struct {
	store     localstore.Store
	keyPrefix string
	kind      string
	now       func() time.Time

	// serializes read-modify-write cycles; plain reads rely on atomic writes
	mu sync.Mutex
}

func NewSnapshot[T Record](store localstore.Store, kind string, keyPrefix string) *Snapshot[T] {
	return &Snapshot[T]{
		store:     store,
		keyPrefix: keyPrefix,
		kind:      kind,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Snapshot[T]) key(storeID string) string {
	return s.keyPrefix + storeID
}

// Load returns the records cached for storeID, or an empty slice.
func (s *Snapshot[T]) Load(ctx context.Context, storeID string) []T {
	entry, ok := s.loadEntry(ctx, storeID)
	if !ok {
		return []T{}
	}
	return entry.Records
}

// Metadata reports the stored metadata when a valid snapshot exists.
func (s *Snapshot[T]) Metadata(ctx context.Context, storeID string) (Metadata, bool) {
	entry, ok := s.loadEntry(ctx, storeID)
	if !ok {
		return Metadata{}, false
	}
	return entry.Metadata, true
}

func (s *Snapshot[T]) loadEntry(ctx context.Context, storeID string) (Entry[T], bool) {
	entry, ok, err := s.readEntry(ctx, storeID)
	if err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("kind", s.kind).Str("store_id", storeID).Msg("cache read failed")
		return Entry[T]{}, false
	}
	return entry, ok
}

// readEntry separates a backend failure from a snapshot that is absent or
// incompatible. Only the latter is safe to rebuild from scratch.
func (s *Snapshot[T]) readEntry(ctx context.Context, storeID string) (Entry[T], bool, error) {
	var entry Entry[T]
	found, err := localstore.ReadJSON(ctx, s.store, s.key(storeID), &entry)
	if err != nil {
		return Entry[T]{}, false, err
	}
	if !found {
		return Entry[T]{}, false, nil
	}
	if entry.Metadata.Version != SchemaVersion || entry.Metadata.StoreID != storeID {
		log.Info().Str("component", "cache").Str("kind", s.kind).Str("store_id", storeID).
			Int("version", entry.Metadata.Version).Str("cached_store_id", entry.Metadata.StoreID).
			Msg("discarding incompatible cache snapshot")
		return Entry[T]{}, false, nil
	}
	if entry.Records == nil {
		entry.Records = []T{}
	}
	return entry, true, nil
}

// current loads the records a read-modify-write cycle starts from.
func (s *Snapshot[T]) current(ctx context.Context, storeID string) ([]T, error) {
	entry, ok, err := s.readEntry(ctx, storeID)
	if err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("kind", s.kind).Str("store_id", storeID).Msg("cache read failed, leaving snapshot untouched")
		return nil, fmt.Errorf("read %s snapshot: %w", s.kind, err)
	}
	if !ok {
		return []T{}, nil
	}
	return entry.Records, nil
}

// Save overwrites the snapshot for storeID.
func (s *Snapshot[T]) Save(ctx context.Context, storeID string, records []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, storeID, records)
}

func (s *Snapshot[T]) save(ctx context.Context, storeID string, records []T) error {
	if records == nil {
		records = []T{}
	}
	entry := Entry[T]{
		Metadata: Metadata{Version: SchemaVersion, LastUpdated: s.now(), StoreID: storeID},
		Records:  records,
	}
	if err := localstore.WriteJSON(ctx, s.store, s.key(storeID), entry); err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("kind", s.kind).Str("store_id", storeID).Msg("cache write failed")
		return err
	}
	return nil
}

// Upsert merges records by id: matching ids are replaced, new ids appended.
func (s *Snapshot[T]) Upsert(ctx context.Context, storeID string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := s.current(ctx, storeID)
	if err != nil {
		return err
	}
	index := make(map[int64]int, len(merged))
	for i, rec := range merged {
		index[rec.RecordID()] = i
	}
	for _, rec := range records {
		if i, ok := index[rec.RecordID()]; ok {
			merged[i] = rec
			continue
		}
		index[rec.RecordID()] = len(merged)
		merged = append(merged, rec)
	}
	return s.save(ctx, storeID, merged)
}

// Modify applies fn to the current records and saves the result in one
// critical section.
func (s *Snapshot[T]) Modify(ctx context.Context, storeID string, fn func(records []T) []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.current(ctx, storeID)
	if err != nil {
		return err
	}
	return s.save(ctx, storeID, fn(records))
}

func (s *Snapshot[T]) Clear(ctx context.Context, storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(ctx, s.key(storeID)); err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("kind", s.kind).Str("store_id", storeID).Msg("cache clear failed")
		return err
	}
	return nil
}

// StoreIDs lists every store that has a snapshot on this device.
func (s *Snapshot[T]) StoreIDs(ctx context.Context) []string {
	keys, err := s.store.Keys(ctx, s.keyPrefix)
	if err != nil {
		log.Warn().Err(err).Str("component", "cache").Str("kind", s.kind).Msg("listing cache snapshots failed")
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, s.keyPrefix))
	}
	return ids
}

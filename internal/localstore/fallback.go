package localstore

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"
)

// Fallback serves from primary and degrades to secondary whenever the primary
// fails. Errors are only returned when both backends fail.
//
// The secondary only holds a key while the newest value for it was written
// during a primary outage, so reads consult it first. The next successful
// primary write carries that value forward and drops the degraded copy.
type Fallback struct {
	primary   Store
	secondary Store
}

func NewFallback(primary Store, secondary Store) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Read(ctx context.Context, key string) ([]byte, error) {
	val, fbErr := f.secondary.Read(ctx, key)
	if fbErr == nil {
		return val, nil
	}
	if !errors.Is(fbErr, ErrNotFound) {
		log.Warn().Err(fbErr).Str("component", "localstore").Str("key", key).Msg("fallback read failed")
	}
	val, err := f.primary.Read(ctx, key)
	if err == nil {
		return val, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	log.Warn().Err(err).Str("component", "localstore").Str("key", key).Msg("primary read failed")
	if errors.Is(fbErr, ErrNotFound) {
		return nil, ErrNotFound
	}
	return nil, err
}

func (f *Fallback) Write(ctx context.Context, key string, value []byte) error {
	err := f.primary.Write(ctx, key, value)
	if err == nil {
		// the primary now holds the newest value
		if rmErr := f.secondary.Remove(ctx, key); rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
			log.Warn().Err(rmErr).Str("component", "localstore").Str("key", key).Msg("dropping degraded copy failed")
		}
		return nil
	}
	log.Warn().Err(err).Str("component", "localstore").Str("key", key).Msg("primary write failed, writing to fallback")
	return f.secondary.Write(ctx, key, value)
}

func (f *Fallback) Remove(ctx context.Context, key string) error {
	err := f.primary.Remove(ctx, key)
	fbErr := f.secondary.Remove(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Str("key", key).Msg("primary remove failed")
		return fbErr
	}
	return nil
}

func (f *Fallback) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	primaryKeys, err := f.primary.Keys(ctx, prefix)
	if err != nil {
		log.Warn().Err(err).Str("component", "localstore").Msg("primary key listing failed")
	}
	secondaryKeys, fbErr := f.secondary.Keys(ctx, prefix)
	if err != nil && fbErr != nil {
		return nil, fbErr
	}
	out := make([]string, 0, len(primaryKeys)+len(secondaryKeys))
	for _, key := range append(primaryKeys, secondaryKeys...) {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}

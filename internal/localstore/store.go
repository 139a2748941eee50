// Package localstore is the device's durable key-value persistence. Every
// cache snapshot, the write-behind queue, the in-progress cart and the signed
// in session live here.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("key not found")

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Store interface {
	// Read returns ErrNotFound when the key is absent.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the value atomically; a reader never observes a partial value.
	Write(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type Options struct {
	Backend       string
	Fallback      string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the configured backend once. When the primary cannot be opened
// the fallback is used on its own; when both open, writes that fail on the
// primary degrade to the fallback.
func Open(ctx context.Context, opts Options) (Store, error) {
	primaryName := normalizeBackend(opts.Backend, BackendFile)
	primary, err := openBackend(ctx, primaryName, opts)

	fallbackName := strings.ToLower(strings.TrimSpace(opts.Fallback))
	if fallbackName == "" || fallbackName == "none" || fallbackName == primaryName {
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", primaryName, err)
		}
		log.Info().Str("component", "localstore").Str("backend", primaryName).Msg("local store ready")
		return primary, nil
	}

	secondary, fallbackErr := openBackend(ctx, fallbackName, opts)
	switch {
	case err != nil && fallbackErr != nil:
		return nil, fmt.Errorf("open %s store: %w (fallback %s: %v)", primaryName, err, fallbackName, fallbackErr)
	case err != nil:
		log.Warn().Err(err).Str("component", "localstore").Str("backend", primaryName).Str("fallback", fallbackName).
			Msg("primary local store unavailable, using fallback")
		return secondary, nil
	case fallbackErr != nil:
		log.Warn().Err(fallbackErr).Str("component", "localstore").Str("fallback", fallbackName).
			Msg("fallback local store unavailable, running without one")
		return primary, nil
	}

	log.Info().Str("component", "localstore").Str("backend", primaryName).Str("fallback", fallbackName).Msg("local store ready")
	return NewFallback(primary, secondary), nil
}

func openBackend(ctx context.Context, name string, opts Options) (Store, error) {
	switch name {
	case BackendFile:
		return NewFileStore(opts.DataDir)
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.DataDir)
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, errors.New("REDIS_ADDR is not set")
		}
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
}

func normalizeBackend(name string, fallback string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fallback
	}
	return name
}

// ReadJSON decodes the value at key into dest. A missing key and a value that
// fails to decode both report found=false with a nil error; only backend
// failures are returned.
func ReadJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	raw, err := s.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Warn().Err(err).Str("component", "localstore").Str("key", key).Msg("discarding unparsable value")
		return false, nil
	}
	return true, nil
}

func WriteJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Write(ctx, key, raw)
}

// Namespace scopes every key under prefix + "/".
type Namespace struct {
	inner  Store
	prefix string
}

func Namespaced(inner Store, ns string) *Namespace {
	return &Namespace{inner: inner, prefix: strings.TrimSuffix(ns, "/") + "/"}
}

func (n *Namespace) Read(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Read(ctx, n.prefix+key)
}

func (n *Namespace) Write(ctx context.Context, key string, value []byte) error {
	return n.inner.Write(ctx, n.prefix+key, value)
}

func (n *Namespace) Remove(ctx context.Context, key string) error {
	return n.inner.Remove(ctx, n.prefix+key)
}

func (n *Namespace) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, n.prefix))
	}
	return out, nil
}

// Close is a no-op; the owner of the underlying store closes it.
func (n *Namespace) Close() error {
	return nil
}

package localstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendsUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
	if addr := os.Getenv("POSYNC_TEST_REDIS_ADDR"); addr != "" {
		redisStore, err := NewRedisStore(context.Background(), addr, "", 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = redisStore.Close() })
		stores["redis"] = redisStore
	}
	return stores
}

func TestBackendsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "test/missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "test/products/store-001", []byte(`{"a":1}`)))
			require.NoError(t, s.Write(ctx, "test/products/store-001", []byte(`{"a":2}`)))
			require.NoError(t, s.Write(ctx, "test/customers/store-001", []byte(`[]`)))

			got, err := s.Read(ctx, "test/products/store-001")
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, string(got))

			keys, err := s.Keys(ctx, "test/products/")
			require.NoError(t, err)
			assert.Equal(t, []string{"test/products/store-001"}, keys)

			require.NoError(t, s.Remove(ctx, "test/products/store-001"))
			require.NoError(t, s.Remove(ctx, "test/products/store-001"))
			_, err = s.Read(ctx, "test/products/store-001")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Remove(ctx, "test/customers/store-001"))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, "queue/local_queue", []byte(`[1]`)))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := second.Read(ctx, "queue/local_queue")
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestReadJSONTreatsGarbageAsAbsent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"truncated`), 0o600))

	var dest map[string]any
	found, err := ReadJSON(ctx, s, "broken", &dest)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = ReadJSON(ctx, s, "never-written", &dest)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteJSON(ctx, s, "ok", map[string]int{"n": 3}))
	var ok map[string]int
	found, err = ReadJSON(ctx, s, "ok", &ok)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, ok["n"])
}

func TestNamespacedKeys(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	ns := Namespaced(base, "cache")

	require.NoError(t, ns.Write(ctx, "products_store-001", []byte("x")))
	_, err := base.Read(ctx, "cache/products_store-001")
	require.NoError(t, err)

	keys, err := ns.Keys(ctx, "products_")
	require.NoError(t, err)
	assert.Equal(t, []string{"products_store-001"}, keys)
}

type brokenStore struct{ MemoryStore }

var errDiskGone = errors.New("disk gone")

func (*brokenStore) Read(context.Context, string) ([]byte, error)   { return nil, errDiskGone }
func (*brokenStore) Write(context.Context, string, []byte) error    { return errDiskGone }
func (*brokenStore) Remove(context.Context, string) error           { return errDiskGone }
func (*brokenStore) Keys(context.Context, string) ([]string, error) { return nil, errDiskGone }

func TestFallbackDegradesWithoutSurfacingErrors(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	s := NewFallback(&brokenStore{}, secondary)

	require.NoError(t, s.Write(ctx, "queue/local_queue", []byte(`[]`)))
	got, err := s.Read(ctx, "queue/local_queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	keys, err := s.Keys(ctx, "queue/")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue/local_queue"}, keys)

	require.NoError(t, s.Remove(ctx, "queue/local_queue"))
	_, err = s.Read(ctx, "queue/local_queue")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallbackWriteSupersedesDegradedCopy(t *testing.T) {
	ctx := context.Background()
	primary, secondary := NewMemoryStore(), NewMemoryStore()
	s := NewFallback(primary, secondary)

	require.NoError(t, secondary.Write(ctx, "k", []byte("stale")))
	require.NoError(t, s.Write(ctx, "k", []byte("fresh")))

	got, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
	_, err = secondary.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

// outageStore fails writes while down is set.
type outageStore struct {
	*MemoryStore
	down bool
}

func (o *outageStore) Write(ctx context.Context, key string, value []byte) error {
	if o.down {
		return errDiskGone
	}
	return o.MemoryStore.Write(ctx, key, value)
}

func TestFallbackKeepsWritesMadeDuringOutage(t *testing.T) {
	ctx := context.Background()
	primary := &outageStore{MemoryStore: NewMemoryStore()}
	s := NewFallback(primary, NewMemoryStore())

	require.NoError(t, s.Write(ctx, "queue", []byte("a")))

	primary.down = true
	require.NoError(t, s.Write(ctx, "queue", []byte("a,b")))
	primary.down = false

	// the primary still answers with its older value
	got, err := s.Read(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(got))

	require.NoError(t, s.Write(ctx, "queue", append(got, ",c"...)))
	got, err = s.Read(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(got))

	onPrimary, err := primary.Read(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(onPrimary))
}

func TestOpenFallsBackWhenPrimaryUnavailable(t *testing.T) {
	s, err := Open(context.Background(), Options{Backend: BackendRedis, Fallback: BackendMemory})
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok, "expected memory store when redis is not configured")

	_, err = Open(context.Background(), Options{Backend: "floppy"})
	assert.Error(t, err)

	s, err = Open(context.Background(), Options{Backend: BackendFile, Fallback: BackendMemory, DataDir: t.TempDir()})
	require.NoError(t, err)
	_, ok = s.(*Fallback)
	assert.True(t, ok)
}

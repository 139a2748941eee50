package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/supabase06-cpu/posv1/internal/cache"
	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/network"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/service"
	"github.com/supabase06-cpu/posv1/internal/store/memory"
	"github.com/supabase06-cpu/posv1/internal/syncer"
	"github.com/supabase06-cpu/posv1/internal/warmup"
)

const (
	testStore = "store-001"
	testPIN   = "482913"
)

type testEnv struct {
	api     *API
	handler http.Handler
	remote  *memory.Store
	queue   *queue.Queue
	monitor *network.Monitor
}

// newTestAPI wires the full stack over an in-memory remote and local store so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	remote := memory.NewSeeded(testStore)
	local := localstore.NewMemoryStore()
	q := queue.New(local)
	products := cache.NewProductCache(local, false)
	customers := cache.NewCustomerCache(local)
	monitor := network.NewMonitor(network.RemoteProbe(remote), time.Minute, true)

	svc := service.New(service.Deps{Remote: remote, Queue: q, Products: products, Customers: customers},
		service.Options{StoreID: testStore, CounterID: "COUNTER-01"})
	engine := syncer.New(syncer.Deps{Queue: q, Remote: remote, State: local, Network: monitor, Customers: customers},
		syncer.Options{StoreID: testStore, DeviceID: "test", Now: func() time.Time { return time.Now().UTC().Add(time.Hour) }})

	api := New(Deps{
		Service: svc,
		Auth:    NewAuthManager("test-secret-key", time.Hour, testPIN, remote, local),
		Cart:    cart.New(ctx, local, decimal.NewFromInt(18)),
		Engine:  engine,
		Queue:   q,
		Network: monitor,
		Warmup:  warmup.New(remote, products, customers),
	}, "*")
	return &testEnv{api: api, handler: api.Handler(), remote: remote, queue: q, monitor: monitor}
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// login signs the seeded cashier in and waits for the cache warm-up it starts.
func (e *testEnv) login(t *testing.T, email string, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session domain.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))
	e.api.Wait()
	return session.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true || body["online"] != true {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestLoginSessionLogout(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodGet, "/api/v1/auth/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decodeBody[domain.Session](t, rec)
	require.Equal(t, "user-cashier", session.User.ID)
	require.Empty(t, session.User.PasswordHash)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/auth/session", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginWarmsReferenceCaches(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	require.Equal(t, warmup.Loaded, env.api.warmup.State(testStore))

	rec := env.do(t, http.MethodGet, "/api/v1/products/search?q=rice", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)
	require.Len(t, body.Products, 1)
	require.Equal(t, "RICE-5KG", body.Products[0].SKU)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestAPI(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: "cashier@store.local", Password: "wrong-pass"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: "not-an-email", Password: "cashier123"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOfflineCheckoutThenSync(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/network", token, map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, env.monitor.Online())

	rec = env.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]any{"product_id": 3, "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[domain.CartState](t, rec)
	require.True(t, decimal.NewFromInt(330).Equal(state.Subtotal), state.Subtotal.String())

	rec = env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment_method": "cash",
		"customer":       map[string]any{"skipped": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeBody[service.Receipt](t, rec)
	require.True(t, receipt.Queued)
	require.NotEmpty(t, receipt.SaleNumber)

	rec = env.do(t, http.MethodGet, "/api/v1/cart", token, nil)
	require.Empty(t, decodeBody[domain.CartState](t, rec).Items)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/queue", token, nil)
	require.Equal(t, 3, decodeBody[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = env.do(t, http.MethodPost, "/api/v1/sync/run", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[syncer.Result](t, rec).Offline)
	require.Zero(t, env.remote.Calls("CreateSale"))

	env.do(t, http.MethodPost, "/api/v1/network", token, map[string]bool{"online": true})
	rec = env.do(t, http.MethodPost, "/api/v1/sync/run", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[syncer.Result](t, rec)
	require.Equal(t, 3, res.Succeeded, "%+v", res)
	require.Equal(t, 1, env.remote.Calls("CreateSale"))

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status", token, nil)
	status := decodeBody[domain.SyncStatus](t, rec)
	require.Zero(t, status.PendingTotal)
	require.NotNil(t, status.LastSyncTime)
}

func TestCheckoutEmptyCartConflicts(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"payment_method": "cash",
		"customer":       map[string]any{"skipped": true},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "Cart is empty")
}

func TestCartEditing(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]any{"barcode": "8901000000042", "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPatch, "/api/v1/cart/items/4", token, map[string]any{"quantity": 12})
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeBody[domain.CartState](t, rec)
	require.Equal(t, domain.PriceTypeWholesale, state.Items[0].PriceType)

	rec = env.do(t, http.MethodPatch, "/api/v1/cart/items/4", token, map[string]any{"price_type": "bulk"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/v1/cart/items/99", token, map[string]any{"quantity": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/cart/discount", token, map[string]any{"discount": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decimal.NewFromInt(10).Equal(decodeBody[domain.CartState](t, rec).Discount))

	rec = env.do(t, http.MethodDelete, "/api/v1/cart/items/4", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[domain.CartState](t, rec).Items)

	rec = env.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]any{"product_id": 999})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBarcodeLookup(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodGet, "/api/v1/products/barcode/8901000000011", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), decodeBody[domain.Product](t, rec).ID)

	rec = env.do(t, http.MethodGet, "/api/v1/products/barcode/0000", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCustomerByPhoneMiss(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodGet, "/api/v1/customers/phone/9000000000", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueDeleteRequiresManagerPIN(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")
	item, err := env.queue.Enqueue(context.Background(), "legacy_type", map[string]string{"k": "v"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/v1/sync/queue/"+item.ID, token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sync/queue/"+item.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(ManagerPINHeader, testPIN)
	res := httptest.NewRecorder()
	env.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)

	_, err = env.queue.Get(context.Background(), item.ID)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestQueueRetryUnknownItem(t *testing.T) {
	env := newTestAPI(t)
	token := env.login(t, "cashier@store.local", "cashier123")

	rec := env.do(t, http.MethodPost, "/api/v1/sync/queue/missing/retry", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheReloadNeedsManagerRole(t *testing.T) {
	env := newTestAPI(t)

	cashier := env.login(t, "cashier@store.local", "cashier123")
	rec := env.do(t, http.MethodPost, "/api/v1/cache/reload", cashier, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin := env.login(t, "admin@store.local", "admin123")
	rec = env.do(t, http.MethodPost, "/api/v1/cache/reload", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decodeBody[warmup.Stats](t, rec)
	require.Equal(t, 5, stats.Products)
}

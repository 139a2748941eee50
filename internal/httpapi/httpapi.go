package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/network"
	"github.com/supabase06-cpu/posv1/internal/queue"
	"github.com/supabase06-cpu/posv1/internal/service"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/syncer"
	"github.com/supabase06-cpu/posv1/internal/warmup"
)

// ManagerPINHeader carries the manager PIN for destructive queue actions.
const ManagerPINHeader = "X-Manager-PIN"

const warmupTimeout = 2 * time.Minute

var posRoles = []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}

type Deps struct {
	Service *service.Service
	Auth    *AuthManager
	Cart    *cart.Cart
	Engine  *syncer.Engine
	Queue   *queue.Queue
	Network *network.Monitor
	Warmup  *warmup.Coordinator
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	cart          *cart.Cart
	engine        *syncer.Engine
	queue         *queue.Queue
	network       *network.Monitor
	warmup        *warmup.Coordinator
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter

	// background tracks warm-ups started by sign-in.
	background sync.WaitGroup
}

func New(deps Deps, allowedOrigin string) *API {
	return &API{
		service:       deps.Service,
		auth:          deps.Auth,
		cart:          deps.Cart,
		engine:        deps.Engine,
		queue:         deps.Queue,
		network:       deps.Network,
		warmup:        deps.Warmup,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

// Wait blocks until background warm-ups started by sign-in have finished.
func (a *API) Wait() {
	a.background.Wait()
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/auth/session", a.handleSession)
		r.Post("/auth/logout", a.requireAuth(a.handleLogout, posRoles...))

		r.Get("/cart", a.requireAuth(a.handleCart, posRoles...))
		r.Delete("/cart", a.requireAuth(a.handleClearCart, posRoles...))
		r.Post("/cart/items", a.requireAuth(a.handleAddItem, posRoles...))
		r.Patch("/cart/items/{id}", a.requireAuth(a.handleUpdateItem, posRoles...))
		r.Delete("/cart/items/{id}", a.requireAuth(a.handleRemoveItem, posRoles...))
		r.Put("/cart/discount", a.requireAuth(a.handleDiscount, posRoles...))

		r.Post("/checkout", a.requireAuth(a.handleCheckout, posRoles...))

		r.Get("/sync/queue", a.requireAuth(a.handleQueue, posRoles...))
		r.Delete("/sync/queue/{id}", a.requireAuth(a.handleQueueDelete, posRoles...))
		r.Post("/sync/queue/{id}/retry", a.requireAuth(a.handleQueueRetry, posRoles...))
		r.Post("/sync/run", a.requireAuth(a.handleSyncRun, posRoles...))
		r.Get("/sync/status", a.requireAuth(a.handleSyncStatus, posRoles...))
		r.Post("/network", a.requireAuth(a.handleNetwork, posRoles...))
		r.Post("/cache/reload", a.requireAuth(a.handleCacheReload, domain.RoleManager, domain.RoleAdmin))

		r.Get("/products/search", a.requireAuth(a.handleProductSearch, posRoles...))
		r.Get("/products/barcode/{code}", a.requireAuth(a.handleBarcode, posRoles...))
		r.Get("/customers/search", a.requireAuth(a.handleCustomerSearch, posRoles...))
		r.Get("/customers/phone/{phone}", a.requireAuth(a.handleCustomerByPhone, posRoles...))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})
	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) online() bool {
	return a.network != nil && a.network.Online()
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.online(),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := a.auth.SignIn(r.Context(), req)
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "fields": verr.Fields})
		case errors.Is(err, ErrAuthUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": ErrAuthUnavailable.Error()})
		default:
			writeError(w, http.StatusUnauthorized, err)
		}
		return
	}

	a.startWarmup(r.Context(), session.User.StoreID)
	writeJSON(w, http.StatusOK, session)
}

// startWarmup fills the reference caches for storeID without holding up the
// sign-in response.
func (a *API) startWarmup(ctx context.Context, storeID string) {
	if a.warmup == nil || storeID == "" || !a.online() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), warmupTimeout)
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer cancel()
		if _, err := a.warmup.Ensure(ctx, storeID); err != nil {
			log.Warn().Err(err).Str("component", "httpapi").Str("store_id", storeID).Msg("cache warm-up failed")
		}
	}()
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.auth.GetSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if session == nil {
		writeError(w, http.StatusUnauthorized, errors.New("not signed in"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.SignOut(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cart.State())
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cart.Clear(r.Context()))
}

type addItemRequest struct {
	ProductID int64           `json:"product_id"`
	Barcode   string          `json:"barcode"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity.IsZero() {
		req.Quantity = decimal.NewFromInt(1)
	}
	if !req.Quantity.IsPositive() {
		writeError(w, http.StatusBadRequest, errors.New("quantity must be positive"))
		return
	}

	var (
		product *domain.Product
		err     error
	)
	switch {
	case strings.TrimSpace(req.Barcode) != "":
		product, err = a.service.LookupBarcode(r.Context(), req.Barcode, a.online())
	case req.ProductID > 0:
		product, err = a.service.ProductByID(r.Context(), req.ProductID)
	default:
		writeError(w, http.StatusBadRequest, errors.New("product_id or barcode is required"))
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a.cart.AddItem(r.Context(), *product, req.Quantity))
}

type updateItemRequest struct {
	Quantity  *decimal.Decimal `json:"quantity"`
	PriceType *string          `json:"price_type"`
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity == nil && req.PriceType == nil {
		writeError(w, http.StatusBadRequest, errors.New("quantity or price_type is required"))
		return
	}

	state := a.cart.State()
	var err error
	if req.PriceType != nil {
		state, err = a.cart.UpdateItemPriceType(r.Context(), id, *req.PriceType)
	}
	if err == nil && req.Quantity != nil {
		state, err = a.cart.UpdateQuantity(r.Context(), id, *req.Quantity)
	}
	if err != nil {
		writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	state, err := a.cart.RemoveItem(r.Context(), id)
	if err != nil {
		writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type discountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.cart.SetDiscount(r.Context(), req.Discount))
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var message string
	receipt, err := a.service.Process(r.Context(), service.Request{
		Cart:          a.cart,
		User:          a.currentUser(r.Context()),
		PaymentMethod: req.PaymentMethod,
		Discount:      req.Discount,
		CounterID:     req.CounterID,
		Customer:      req.Customer,
		Online:        a.online,
	}, service.Callbacks{
		OnError: func(msg string) { message = msg },
	})
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.Is(err, service.ErrEmptyCart):
			writeError(w, http.StatusConflict, errors.New(message))
		case errors.As(err, &verr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": message, "fields": verr.Fields})
		default:
			log.Error().Err(err).Str("component", "httpapi").Msg("checkout failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": message})
		}
		return
	}

	if receipt.Queued {
		a.engine.Trigger()
	}
	writeJSON(w, http.StatusOK, receipt)
}

// currentUser prefers the persisted session profile, which carries the
// cashier's name for receipts, over the bare token claims.
func (a *API) currentUser(ctx context.Context) domain.UserProfile {
	actor, _ := service.ActorFromContext(ctx)
	if session, err := a.auth.GetSession(ctx); err == nil && session != nil && session.User.ID == actor.UserID {
		return session.User
	}
	return domain.UserProfile{
		ID:       actor.UserID,
		Email:    actor.Email,
		Role:     actor.Role,
		StoreID:  actor.StoreID,
		IsActive: true,
	}
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	items := a.queue.List(r.Context(), !all)
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(r.Header.Get(ManagerPINHeader)) {
		writeError(w, http.StatusForbidden, errors.New("manager PIN required"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := a.engine.Delete(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	log.Info().Str("component", "httpapi").Str("id", id).Str("user_id", actor.UserID).Msg("queue item deleted by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status(r.Context()))
}

type networkEvent struct {
	Online *bool `json:"online"`
}

// handleNetwork accepts connectivity events from the host platform.
func (a *API) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkEvent
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New("online is required"))
		return
	}
	changed := a.network.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": a.network.Online(), "changed": changed})
}

func (a *API) handleCacheReload(w http.ResponseWriter, r *http.Request) {
	if !a.online() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "cache reload needs a connection"})
		return
	}
	stats, err := a.warmup.Reload(r.Context(), a.service.StoreID())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleProductSearch(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)
	products := a.service.SearchProducts(r.Context(), r.URL.Query().Get("q"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleBarcode(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.LookupBarcode(r.Context(), chi.URLParam(r, "code"), a.online())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleCustomerSearch(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)
	customers := a.service.SearchCustomers(r.Context(), r.URL.Query().Get("q"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCustomerByPhone(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	customer, err := a.service.FindCustomerByPhone(r.Context(), chi.URLParam(r, "phone"), actor.StoreID, a.online())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if customer == nil {
		writeError(w, http.StatusNotFound, errors.New("customer not found"))
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ManagerPINHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "httpapi").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(startedAt)).
			Msg("request")
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, store.ErrNotFound)
	case store.KindOf(err) == store.KindTransient:
		writeError(w, http.StatusBadGateway, errors.New("backend unavailable"))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeCartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, cart.ErrInvalidPriceType):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry internal details; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Str("component", "httpapi").Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

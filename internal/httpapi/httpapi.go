package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/logger"
	"github.com/sirbex/Digital-Shop-sub002/internal/service"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        log,
	}
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
	l.entries[key] = append(kept, now)
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
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleCreateSale, RoleCashier, RoleManager, RoleAdmin))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(a.handleGetSale, RoleCashier, RoleManager, RoleAdmin))
	mux.HandleFunc("POST /api/v1/sales/{id}/void", a.requireAuth(a.handleVoidSale, RoleManager, RoleAdmin))
	mux.HandleFunc("POST /api/v1/sales/{id}/refunds", a.requireAuth(a.handleCreateRefund, RoleManager, RoleAdmin))

	mux.HandleFunc("GET /api/v1/invoices/{id}", a.requireAuth(a.handleGetInvoice, RoleCashier, RoleManager, RoleAdmin))
	mux.HandleFunc("POST /api/v1/invoices/{id}/payments", a.requireAuth(a.handleApplyPayment, RoleCashier, RoleManager, RoleAdmin))
	mux.HandleFunc("GET /api/v1/customers/{id}/balance", a.requireAuth(a.handleCustomerBalance, RoleCashier, RoleManager, RoleAdmin))

	mux.HandleFunc("POST /api/v1/purchase-orders", a.requireAuth(a.handleCreatePurchaseOrder, RoleManager, RoleAdmin))
	mux.HandleFunc("GET /api/v1/purchase-orders/{id}", a.requireAuth(a.handleGetPurchaseOrder, RoleManager, RoleAdmin))

	mux.HandleFunc("POST /api/v1/goods-receipts", a.requireAuth(a.handleCreateGoodsReceipt, RoleManager, RoleAdmin))
	mux.HandleFunc("GET /api/v1/goods-receipts/{id}", a.requireAuth(a.handleGetGoodsReceipt, RoleManager, RoleAdmin))
	mux.HandleFunc("POST /api/v1/goods-receipts/{id}/finalize", a.requireAuth(a.handleFinalizeGoodsReceipt, RoleManager, RoleAdmin))

	mux.HandleFunc("GET /api/v1/products/{id}/movements", a.requireAuth(a.handleListMovements, RoleManager, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		ctx := service.WithActor(r.Context(), actor)
		if reqLogger, ok := logger.Lookup(ctx); ok {
			ctx = logger.WithContext(ctx, reqLogger.With(zap.String("actor", actor.Username)))
		}
		next(w, r.WithContext(ctx))
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

// checkManagerPIN gates void and refund. Attempts are rate limited per
// client and action.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, action string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, r, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "void", req.ManagerPIN) {
		return
	}

	sale, err := a.service.VoidSale(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "refund", req.ManagerPIN) {
		return
	}

	refund, err := a.service.CreateRefund(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"refund": refund})
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoicePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	payment, err := a.service.ApplyPayment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": payment})
}

func (a *API) handleCustomerBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.CustomerBalance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (a *API) handleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	po, err := a.service.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase_order": po})
}

func (a *API) handleGetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.GetPurchaseOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_order": po})
}

func (a *API) handleCreateGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	var req domain.GoodsReceipt
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	receipt, err := a.service.CreateGoodsReceipt(r.Context(), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"goods_receipt": receipt})
}

func (a *API) handleGetGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.GetGoodsReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goods_receipt": receipt})
}

func (a *API) handleFinalizeGoodsReceipt(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.FinalizeGoodsReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	movements, err := a.service.ListMovements(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		reqLogger := a.logger.With(zap.String("request_id", requestID))
		ctx := logger.WithContext(r.Context(), reqLogger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		reqLogger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

// writeLedgerError maps service and ledger errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrActorRequired) {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}

	var ledgerErr *store.LedgerError
	if !errors.As(err, &ledgerErr) {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	body := map[string]any{
		"error": ledgerErr.Error(),
		"kind":  ledgerErr.Kind,
	}
	status := http.StatusInternalServerError
	switch ledgerErr.Kind {
	case store.KindNotFound:
		status = http.StatusNotFound
	case store.KindValidation:
		status = http.StatusBadRequest
	case store.KindInsufficientStock:
		status = http.StatusBadRequest
		body["product_id"] = ledgerErr.ID
		body["shortfall"] = ledgerErr.Shortfall
	case store.KindConcurrencyConflict:
		status = http.StatusConflict
		body["error"] = store.ErrConcurrencyConflict.Message
		w.Header().Set("Retry-After", "1")
		logger.FromContext(r.Context()).Warn("ledger conflict", zap.Error(err))
	case store.KindAlreadyFinalized, store.KindAlreadyVoided, store.KindInvalidState:
		status = http.StatusConflict
	default:
		writeError(w, r, status, err)
		return
	}
	writeJSON(w, status, body)
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

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the request log.
	msg := err.Error()
	if status >= 500 {
		logger.FromContext(r.Context()).Error("internal error", zap.Int("status", status), zap.Error(err))
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

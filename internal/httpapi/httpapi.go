package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"posgateway/internal/backend"
	"posgateway/internal/cart"
	"posgateway/internal/catalog"
	"posgateway/internal/checkout"
	"posgateway/internal/domain"
	"posgateway/internal/metrics"
	"posgateway/internal/service"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
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
	r.Use(a.withSecurity)
	r.Use(metrics.Middleware)
	r.Use(a.requestLogger)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))

			r.Get("/catalog/items", a.handleItems)
			r.Get("/catalog/items/barcode/{barcode}", a.handleItemByBarcode)
			r.Get("/catalog/categories", a.handleCategories)
			r.Get("/catalog/discounts", a.handleDiscounts)
			r.Get("/catalog/taxes", a.handleTaxes)
			r.Get("/catalog/payment-methods", a.handlePaymentMethods)
			r.Post("/pricing/quote", a.handleQuote)
			r.Get("/customers", a.handleSearchCustomers)
			r.Post("/customers", a.handleCreateCustomer)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", a.handleListSessions)
				r.Post("/", a.handleCreateSession)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", a.handleGetSession)
					r.Delete("/", a.handleDeleteSession)
					r.Post("/lines", a.handleAddLine)
					r.Delete("/lines", a.handleClearLines)
					r.Put("/lines/{itemID}", a.handleSetLineQuantity)
					r.Delete("/lines/{itemID}", a.handleRemoveLine)
					r.Put("/pricing", a.handleSetPricing)
					r.Put("/payment", a.handleSetPayment)
					r.Put("/customer", a.handleSetCustomer)
					r.Post("/checkout", a.handleCheckout)
					r.Get("/receipt", a.handleSessionReceipt)
				})
			})

			r.Get("/sales/{saleID}/receipt", a.handleSaleReceipt)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Post("/catalog/refresh", a.handleCatalogRefresh)
			r.Get("/submissions", a.handleSubmissions)
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return otelhttp.NewHandler(r, "posgateway.http")
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
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

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
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

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Catalog.

func (a *API) handleItems(w http.ResponseWriter, r *http.Request) {
	var categoryID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("category_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("category_id must be a non-negative integer"))
			return
		}
		categoryID = parsed
	}

	items, err := a.service.ListItems(r.Context(), categoryID, r.URL.Query().Get("q"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleItemByBarcode(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.ItemByBarcode(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.service.ListCategories(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (a *API) handleDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := a.service.ListDiscounts(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discounts": discounts})
}

func (a *API) handleTaxes(w http.ResponseWriter, r *http.Request) {
	taxes, err := a.service.ListTaxes(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taxes": taxes})
}

func (a *API) handlePaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := a.service.ListPaymentMethods(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_methods": methods})
}

func (a *API) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.service.RefreshCatalog(r.Context()); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req domain.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	totals, err := a.service.Quote(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

// Sessions.

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.service.ListSessions(r.Context())})
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.CreateSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.AddLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddLine(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSetLineQuantity(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req domain.SetLineQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetLineQuantity(r.Context(), chi.URLParam(r, "sessionID"), itemID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	view, err := a.service.RemoveLine(r.Context(), chi.URLParam(r, "sessionID"), itemID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleClearLines(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	var req domain.PricingSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetPricing(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSetPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetPayment(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerSelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCustomer(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSearchCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.SearchCustomers(r.Context(), r.URL.Query().Get("phone_number"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.Checkout(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Receipts.

func (a *API) handleSessionReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.SessionReceipt(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.streamReceipt(w, r, receipt)
}

func (a *API) handleSaleReceipt(w http.ResponseWriter, r *http.Request) {
	saleID, ok := pathID(w, r, "saleID")
	if !ok {
		return
	}
	receipt, err := a.service.Receipt(r.Context(), saleID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.streamReceipt(w, r, receipt)
}

func (a *API) streamReceipt(w http.ResponseWriter, r *http.Request, receipt *backend.Receipt) {
	defer receipt.Body.Close()

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", "inline")
	if receipt.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(receipt.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, receipt.Body); err != nil {
		a.logger.Warn("receipt stream interrupted", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// Admin.

func (a *API) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), 100, 500)
	subs, err := a.service.ListSubmissions(r.Context(), q.Get("terminal_id"), q.Get("status"), q.Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

// Middleware.

func (a *API) withSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// writeServiceError maps domain and backend errors to HTTP responses. Backend
// messages reach the operator verbatim; other 5xx causes stay in the log.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *checkout.ValidationError
		stockErr      *cart.StockError
		serverErr     *backend.ServerError
	)
	switch {
	case errors.As(err, &validationErr):
		body := map[string]any{"error": validationErr.Error(), "code": validationErr.Code}
		if validationErr.ShortfallCents > 0 {
			body["shortfall_cents"] = validationErr.ShortfallCents
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     stockErr.Error(),
			"code":      "insufficient_stock",
			"item_id":   stockErr.ProductID,
			"requested": stockErr.Requested,
			"available": stockErr.Available,
		})
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "code": "submission_in_flight"})
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSaleNotFound),
		errors.Is(err, service.ErrNoReceipt),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &serverErr):
		status := http.StatusBadGateway
		// A backend 401/403 must not read as a rejected operator token.
		if serverErr.Status >= 400 && serverErr.Status < 500 &&
			serverErr.Status != http.StatusUnauthorized && serverErr.Status != http.StatusForbidden {
			status = serverErr.Status
		}
		body := map[string]any{"error": serverErr.Message, "code": "backend_error"}
		if len(serverErr.Fields) > 0 {
			body["fields"] = serverErr.Fields
		}
		writeJSON(w, status, body)
	case errors.Is(err, backend.ErrNetwork):
		a.logger.Warn("sales backend unreachable", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": backend.ErrNetwork.Error(), "code": "backend_unreachable"})
	default:
		a.logger.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
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
	// 5xx bodies stay generic; 4xx messages are meant for the operator.
	msg := err.Error()
	if status >= 500 {
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

package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"cuestablanca/pos/internal/cart"
	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/export"
	"cuestablanca/pos/internal/pricing"
	"cuestablanca/pos/internal/service"
	"cuestablanca/pos/internal/store"
)

type API struct {
	service      *service.Service
	auth         *AuthManager
	inventory    cart.Inventory
	exporter     *export.Writer
	currency     string
	loginLimiter *attemptLimiter

	mu    sync.Mutex
	carts map[string]*cart.Cart
}

func New(svc *service.Service, auth *AuthManager, inventory cart.Inventory, exporter *export.Writer, currency string) *API {
	if currency == "" {
		currency = "CLP"
	}
	return &API{
		service:      svc,
		auth:         auth,
		inventory:    inventory,
		exporter:     exporter,
		currency:     currency,
		loginLimiter: newAttemptLimiter(5, time.Minute),
		carts:        make(map[string]*cart.Cart),
	}
}

// cartFor returns the cart owned by a terminal, creating it lazily. Carts
// live for the process lifetime; the mutex also serializes concurrent
// requests from the same terminal.
func (a *API) cartFor(r *http.Request) *cart.Cart {
	terminal := strings.TrimSpace(r.Header.Get("X-Terminal-ID"))
	if terminal == "" {
		terminal = "terminal-1"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.carts[terminal]
	if !ok {
		c = cart.New(a.inventory)
		a.carts[terminal] = c
	}
	return c
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/import", a.requireAuth(a.handleProductImport, "admin"))
	mux.HandleFunc("/api/v1/products/price", a.requireAuth(a.handleResolvePrice, "cashier", "admin"))
	mux.HandleFunc("/api/v1/price-list", a.requireAuth(a.handlePriceList, "cashier", "admin"))

	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart, "cashier", "admin"))
	mux.HandleFunc("/api/v1/cart/lines", a.requireAuth(a.handleCartLines, "cashier", "admin"))
	mux.HandleFunc("/api/v1/cart/lines/", a.requireAuth(a.handleCartLineActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/cart/discount", a.requireAuth(a.handleCartDiscount, "cashier", "admin"))
	mux.HandleFunc("/api/v1/cart/finalize", a.requireAuth(a.handleFinalize, "cashier", "admin"))

	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, "cashier", "admin"))

	mux.HandleFunc("/api/v1/reports/daily-close", a.requireAuth(a.handleDailyClose, "admin"))
	mux.HandleFunc("/api/v1/reports/outgoing", a.requireAuth(a.handleOutgoing, "admin"))
	mux.HandleFunc("/api/v1/reports/export", a.requireAuth(a.handleExport, "admin"))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, "admin"))

	return mux
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
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"currency": a.currency,
		"dry_run":  a.service.DryRun(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProducts serves point lookups (?code=) and keyword search (?q=).
func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	if code := strings.TrimSpace(r.URL.Query().Get("code")); code != "" {
		product, err := a.service.LookupProduct(r.Context(), code)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, product)
		return
	}

	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	products, err := a.service.SearchProducts(r.Context(), keyword, limit)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Products []domain.ProductImport `json:"products"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	count, err := a.service.ImportProducts(r.Context(), req.Products)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": count})
}

func (a *API) handleResolvePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	var override *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("override_cents")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid override_cents"))
			return
		}
		override = &parsed
	}

	resolution, err := a.service.ResolvePrice(r.Context(), code, override)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (a *API) handlePriceList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := a.service.ListCategoryPrices(r.Context())
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"price_list": entries})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Category   string `json:"category"`
			PriceCents int64  `json:"price_cents"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := a.service.SetCategoryPrice(r.Context(), req.Category, req.PriceCents)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	c := a.cartFor(r)
	switch r.Method {
	case http.MethodGet:
		writeCartState(w, c)
	case http.MethodDelete:
		c.Clear()
		writeCartState(w, c)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Code           string `json:"code"`
		Quantity       int    `json:"quantity"`
		UnitPriceCents *int64 `json:"unit_price_cents"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Resolve the price the same way the cashier screen does: an explicit
	// price wins, otherwise the category price list, otherwise reject and
	// tell the client a manual price is required.
	resolution, err := a.service.ResolvePrice(r.Context(), req.Code, req.UnitPriceCents)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	if resolution.Kind == pricing.NeedsManualEntry {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "no price available, manual price required",
			"resolution": resolution,
		})
		return
	}

	c := a.cartFor(r)
	line, err := c.AddLine(r.Context(), req.Code, req.Quantity, resolution.PriceCents)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"line":        line,
		"resolution":  resolution,
		"total_cents": c.TotalCents(),
	})
}

// handleCartLineActions edits or removes one line addressed by its index:
// PATCH/DELETE /api/v1/cart/lines/{index}.
func (a *API) handleCartLineActions(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/cart/lines/")
	index, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid line index"))
		return
	}

	c := a.cartFor(r)
	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Quantity       *int   `json:"quantity"`
			UnitPriceCents *int64 `json:"unit_price_cents"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var line domain.CartLine
		if req.Quantity != nil {
			line, err = c.EditQuantity(r.Context(), index, *req.Quantity)
			if err != nil {
				writeError(w, statusFromError(err), err)
				return
			}
		}
		if req.UnitPriceCents != nil {
			line, err = c.EditPrice(index, *req.UnitPriceCents)
			if err != nil {
				writeError(w, statusFromError(err), err)
				return
			}
		}
		if req.Quantity == nil && req.UnitPriceCents == nil {
			writeError(w, http.StatusBadRequest, errors.New("nothing to update"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"line": line, "total_cents": c.TotalCents()})
	case http.MethodDelete:
		if err := c.RemoveLine(index); err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeCartState(w, c)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartDiscount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		Percent float64 `json:"percent"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c := a.cartFor(r)
	if err := c.ApplyPercentDiscount(req.Percent); err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeCartState(w, c)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c := a.cartFor(r)
	result, err := a.service.Finalize(r.Context(), c, req.PaymentMethod)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSaleActions serves GET /api/v1/sales/{id} and
// GET /api/v1/sales/{id}/returns.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sales/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	saleID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid sale id"))
		return
	}

	if len(parts) == 2 && parts[1] == "returns" {
		returns, err := a.service.ListReturns(r.Context(), saleID)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
		return
	}

	sale, err := a.service.GetSale(r.Context(), saleID)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		SaleID   int64  `json:"sale_id"`
		Code     string `json:"code"`
		Quantity int    `json:"quantity"`
		Reason   string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ProcessReturn(r.Context(), req.SaleID, req.Code, req.Quantity, req.Reason)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDailyClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	report, err := a.service.DailyClose(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	results, err := a.service.OutgoingUnits(r.Context(), limit)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outgoing": results})
}

// handleExport runs the daily close and writes both CSV files to disk.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	date := r.URL.Query().Get("date")
	report, err := a.service.DailyClose(r.Context(), date)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	records, err := a.service.SaleLineExports(r.Context(), date)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}

	closePath, err := a.exporter.WriteDailyClose(report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	linesPath, err := a.exporter.WriteSaleLines(report.Date, records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"daily_close_file": closePath,
		"sale_lines_file":  linesPath,
		"report":           report,
		"lines":            len(records),
	})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func writeCartState(w http.ResponseWriter, c *cart.Cart) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":       c.Lines(),
		"total_cents": c.TotalCents(),
	})
}

func statusFromError(err error) int {
	var insufficient *domain.InsufficientStockError
	var exceeds *domain.ExceedsSoldQuantityError
	var persistence *domain.PersistenceError

	switch {
	case errors.As(err, &insufficient), errors.As(err, &exceeds):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrLineNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyCart), errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &persistence):
		return http.StatusInternalServerError
	case strings.Contains(err.Error(), "admin role required"):
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
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
	// 5xx messages stay generic so storage errors never leak to clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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

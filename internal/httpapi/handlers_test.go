package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/export"
	"cuestablanca/pos/internal/pricing"
	"cuestablanca/pos/internal/service"
	"cuestablanca/pos/internal/store/memory"
)

type testRig struct {
	api          *API
	handler      http.Handler
	adminToken   string
	cashierToken string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	repo := memory.NewSeeded()
	resolver := pricing.NewResolver(repo, pricing.NoopPriceCache{}, 5*time.Second)
	svc := service.New(repo, resolver, false)
	auth := NewAuthManager("test-secret", time.Hour, repo)
	api := New(svc, auth, repo, export.NewWriter(t.TempDir()), "CLP")

	admin, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("admin login failed: %v", err)
	}
	cashier, err := auth.Login(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("cashier login failed: %v", err)
	}

	return &testRig{
		api:          api,
		handler:      api.Handler(),
		adminToken:   admin.AccessToken,
		cashierToken: cashier.AccessToken,
	}
}

func (rig *testRig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response failed: %v (body: %s)", err, rec.Body.String())
	}
}

func TestHealthzIsPublic(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/products?code=CB-POL-001", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = rig.do(t, http.MethodGet, "/api/v1/reports/daily-close", rig.cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on admin endpoint, got %d", rec.Code)
	}
}

func TestProductLookupAndSearch(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/products?code=CB-POL-001", rig.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var product domain.Product
	decodeBody(t, rec, &product)
	if product.Code != "CB-POL-001" {
		t.Fatalf("unexpected product %+v", product)
	}

	rec = rig.do(t, http.MethodGet, "/api/v1/products?code=GHOST", rig.cashierToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", rec.Code)
	}

	rec = rig.do(t, http.MethodGet, "/api/v1/products?q=polera", rig.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for search, got %d", rec.Code)
	}
}

func TestCartFlowAddDiscountFinalize(t *testing.T) {
	rig := newTestRig(t)

	// Price comes from the poleras price list entry (599000).
	rec := rig.do(t, http.MethodPost, "/api/v1/cart/lines", rig.cashierToken, map[string]any{
		"code":     "CB-POL-001",
		"quantity": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line failed: %d %s", rec.Code, rec.Body.String())
	}
	var added struct {
		Line       domain.CartLine `json:"line"`
		TotalCents int64           `json:"total_cents"`
	}
	decodeBody(t, rec, &added)
	if added.Line.UnitPriceCents != 599000 {
		t.Fatalf("expected category price 599000, got %d", added.Line.UnitPriceCents)
	}
	if added.TotalCents != 2*599000 {
		t.Fatalf("expected total %d, got %d", 2*599000, added.TotalCents)
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/cart/discount", rig.cashierToken, map[string]any{
		"percent": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("discount failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/cart/finalize", rig.cashierToken, map[string]any{
		"payment_method": "cash",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize failed: %d %s", rec.Code, rec.Body.String())
	}
	var result domain.FinalizeResult
	decodeBody(t, rec, &result)
	if result.TotalCents != 2*539100 {
		t.Fatalf("expected discounted total %d, got %d", 2*539100, result.TotalCents)
	}
	if result.SaleID == 0 {
		t.Fatalf("expected a sale id")
	}

	// Cart must be empty now.
	rec = rig.do(t, http.MethodGet, "/api/v1/cart", rig.cashierToken, nil)
	var state struct {
		Lines      []domain.CartLine `json:"lines"`
		TotalCents int64             `json:"total_cents"`
	}
	decodeBody(t, rec, &state)
	if len(state.Lines) != 0 {
		t.Fatalf("expected cleared cart, got %d lines", len(state.Lines))
	}
}

func TestCartAddUnpricedProductNeedsManualPrice(t *testing.T) {
	rig := newTestRig(t)

	// accesorios has no price list entry and no override is sent.
	rec := rig.do(t, http.MethodPost, "/api/v1/cart/lines", rig.cashierToken, map[string]any{
		"code":     "CB-ACC-001",
		"quantity": 1,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unpriced product, got %d: %s", rec.Code, rec.Body.String())
	}

	// With an explicit price the same add succeeds.
	rec = rig.do(t, http.MethodPost, "/api/v1/cart/lines", rig.cashierToken, map[string]any{
		"code":             "CB-ACC-001",
		"quantity":         1,
		"unit_price_cents": 199000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected manual price add to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCartsAreIsolatedPerTerminal(t *testing.T) {
	rig := newTestRig(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/lines", bytes.NewReader([]byte(`{"code":"CB-POL-001","quantity":1}`)))
	req.Header.Set("Authorization", "Bearer "+rig.cashierToken)
	req.Header.Set("X-Terminal-ID", "caja-2")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add on caja-2 failed: %d", rec.Code)
	}

	// Default terminal sees an empty cart.
	rec2 := rig.do(t, http.MethodGet, "/api/v1/cart", rig.cashierToken, nil)
	var state struct {
		Lines []domain.CartLine `json:"lines"`
	}
	decodeBody(t, rec2, &state)
	if len(state.Lines) != 0 {
		t.Fatalf("expected default terminal cart empty, got %d lines", len(state.Lines))
	}
}

func TestReturnsEndpoint(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/cart/lines", rig.cashierToken, map[string]any{
		"code":             "CB-PAN-001",
		"quantity":         2,
		"unit_price_cents": 12990,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line failed: %d", rec.Code)
	}
	rec = rig.do(t, http.MethodPost, "/api/v1/cart/finalize", rig.cashierToken, map[string]any{
		"payment_method": "card",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize failed: %d", rec.Code)
	}
	var sale domain.FinalizeResult
	decodeBody(t, rec, &sale)

	rec = rig.do(t, http.MethodPost, "/api/v1/returns", rig.cashierToken, map[string]any{
		"sale_id":  sale.SaleID,
		"code":     "CB-PAN-001",
		"quantity": 1,
		"reason":   "cambio de talla",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("return failed: %d %s", rec.Code, rec.Body.String())
	}
	var result domain.ReturnResult
	decodeBody(t, rec, &result)
	if result.RefundAmountCents != 12990 {
		t.Fatalf("expected refund 12990, got %d", result.RefundAmountCents)
	}

	// Over-return conflicts.
	rec = rig.do(t, http.MethodPost, "/api/v1/returns", rig.cashierToken, map[string]any{
		"sale_id":  sale.SaleID,
		"code":     "CB-PAN-001",
		"quantity": 5,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for over-return, got %d", rec.Code)
	}

	// Sale lookup includes its returns.
	rec = rig.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sales/%d/returns", sale.SaleID), rig.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returns failed: %d", rec.Code)
	}
}

func TestPriceListAdminOnly(t *testing.T) {
	rig := newTestRig(t)

	body := map[string]any{"category": "accesorios", "price_cents": 249000}

	rec := rig.do(t, http.MethodPut, "/api/v1/price-list", rig.cashierToken, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier price change, got %d", rec.Code)
	}

	rec = rig.do(t, http.MethodPut, "/api/v1/price-list", rig.adminToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin price change failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodGet, "/api/v1/products/price?code=CB-ACC-001", rig.cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d", rec.Code)
	}
	var resolution pricing.Resolution
	decodeBody(t, rec, &resolution)
	if resolution.PriceCents != 249000 {
		t.Fatalf("expected updated price 249000, got %d", resolution.PriceCents)
	}
}

func TestDailyCloseAndExport(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/cart/lines", rig.cashierToken, map[string]any{
		"code":             "CB-POL-001",
		"quantity":         1,
		"unit_price_cents": 5990,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line failed: %d", rec.Code)
	}
	rec = rig.do(t, http.MethodPost, "/api/v1/cart/finalize", rig.cashierToken, map[string]any{
		"payment_method": "cash",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize failed: %d", rec.Code)
	}

	rec = rig.do(t, http.MethodGet, "/api/v1/reports/daily-close", rig.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("daily close failed: %d %s", rec.Code, rec.Body.String())
	}
	var report domain.DailyClose
	decodeBody(t, rec, &report)
	if report.SalesCount != 1 || report.TotalSalesCents != 5990 {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = rig.do(t, http.MethodPost, "/api/v1/reports/export", rig.adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export failed: %d %s", rec.Code, rec.Body.String())
	}
	var exported struct {
		DailyCloseFile string `json:"daily_close_file"`
		SaleLinesFile  string `json:"sale_lines_file"`
		Lines          int    `json:"lines"`
	}
	decodeBody(t, rec, &exported)
	if exported.DailyCloseFile == "" || exported.SaleLinesFile == "" {
		t.Fatalf("expected export file paths, got %+v", exported)
	}
	if exported.Lines != 1 {
		t.Fatalf("expected 1 exported line, got %d", exported.Lines)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodDelete, "/api/v1/products?code=CB-POL-001", rig.cashierToken, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

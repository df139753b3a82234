package domain

import "time"

// Product is an inventory record keyed by its scan code. Stock is mutated
// only through sale commits (decrement) and returns (increment); product
// master data itself comes from the import feed.
type Product struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Stock       int    `json:"stock"`
}

// ProductImport is one row of the bulk upsert feed.
type ProductImport struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Stock       int    `json:"stock"`
}

// PriceListEntry maps a product category to its default unit price.
type PriceListEntry struct {
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CartLine is a transient line owned by one cart until the sale commits.
// SubtotalCents is always Quantity * UnitPriceCents, recomputed on every
// mutation and never set independently.
type CartLine struct {
	Code           string `json:"code"`
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Sale struct {
	ID            int64      `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	Status        string     `json:"status"`
	Lines         []SaleLine `json:"lines"`
}

// SaleLine is the persisted snapshot of a CartLine at commit time.
type SaleLine struct {
	ID             int64  `json:"id"`
	SaleID         int64  `json:"sale_id"`
	Code           string `json:"code"`
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Return struct {
	ID          int64     `json:"id"`
	SaleID      int64     `json:"sale_id"`
	Code        string    `json:"code"`
	Quantity    int       `json:"quantity"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

type FinalizeResult struct {
	SaleID     int64 `json:"sale_id,omitempty"`
	TotalCents int64 `json:"total_cents"`
	DryRun     bool  `json:"dry_run"`
}

type ReturnResult struct {
	ReturnID          int64 `json:"return_id"`
	RefundAmountCents int64 `json:"refund_amount_cents"`
}

// DailyClose is the closing aggregate handed to the accounting export.
type DailyClose struct {
	Date              string `json:"date"`
	SalesCount        int64  `json:"sales_count"`
	TotalSalesCents   int64  `json:"total_sales_cents"`
	TotalReturnsCents int64  `json:"total_returns_cents"`
	ZeroStockProducts int64  `json:"zero_stock_products"`
}

// SaleLineExport is one per-line record of the daily CSV export.
type SaleLineExport struct {
	SaleID         int64  `json:"sale_id"`
	Date           string `json:"date"`
	Code           string `json:"code"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// OutgoingUnits aggregates sold units per product.
type OutgoingUnits struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	UnitsSold   int64  `json:"units_sold"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SaleStatusClosed = "closed"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

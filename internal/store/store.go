package store

import (
	"context"
	"errors"
	"time"

	"cuestablanca/pos/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Repository is the persistence boundary of the transaction engine. It is
// constructed once at process start and passed explicitly into every
// component; there is no ambient global handle.
//
// CommitSale and CreateReturn are the only stock writers. Each runs inside a
// single storage transaction: either every row lands or none does.
type Repository interface {
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	SearchProducts(ctx context.Context, keyword string, limit int) ([]domain.Product, error)
	// GetStock returns 0 for an unknown product; absence is not an error.
	GetStock(ctx context.Context, code string) (int, error)
	UpsertProducts(ctx context.Context, products []domain.ProductImport) (int, error)

	GetCategoryPrice(ctx context.Context, category string) (*domain.PriceListEntry, error)
	UpsertCategoryPrice(ctx context.Context, category string, priceCents int64) (*domain.PriceListEntry, error)
	ListCategoryPrices(ctx context.Context) ([]domain.PriceListEntry, error)

	// CommitSale re-validates stock for every line before writing anything,
	// then inserts the sale header, its lines, and the stock decrements in
	// one transaction. The first shortfall aborts the whole attempt with
	// *domain.InsufficientStockError.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	GetSaleLine(ctx context.Context, saleID int64, code string) (*domain.SaleLine, error)
	// CreateReturn validates the quantity bound against the original sale
	// line, then inserts the return row and restores stock in one
	// transaction.
	CreateReturn(ctx context.Context, saleID int64, code string, quantity int, reason string, at time.Time) (*domain.Return, error)
	ListReturnsBySale(ctx context.Context, saleID int64) ([]domain.Return, error)

	DailyClose(ctx context.Context, from time.Time, to time.Time) (domain.DailyClose, error)
	SaleLineExports(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleLineExport, error)
	OutgoingUnits(ctx context.Context, limit int) ([]domain.OutgoingUnits, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

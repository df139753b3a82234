package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cuestablanca/pos/internal/cart"
	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/pricing"
	"cuestablanca/pos/internal/store"
	"cuestablanca/pos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	resolver *pricing.Resolver
	dryRun   bool
}

// New wires the transaction engine. When dryRun is true, Finalize validates
// a cart end to end but persists nothing.
func New(repo store.Repository, resolver *pricing.Resolver, dryRun bool) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		dryRun:   dryRun,
	}
}

func (s *Service) DryRun() bool {
	return s.dryRun
}

func (s *Service) LookupProduct(ctx context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrInvalidInput
	}
	product, err := s.repo.GetProductByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Service) SearchProducts(ctx context.Context, keyword string, limit int) ([]domain.Product, error) {
	return s.repo.SearchProducts(ctx, keyword, limit)
}

// ResolvePrice fetches the product and runs price resolution. The override,
// when present, short-circuits the category price list.
func (s *Service) ResolvePrice(ctx context.Context, code string, override *int64) (pricing.Resolution, error) {
	product, err := s.LookupProduct(ctx, code)
	if err != nil {
		return pricing.Resolution{}, err
	}
	return s.resolver.Resolve(ctx, product, override)
}

// Finalize commits a cart as one sale. The store re-validates every line
// under a single transaction; the cart is cleared only after the commit
// succeeds, so a failed finalize leaves the cart editable.
func (s *Service) Finalize(ctx context.Context, c *cart.Cart, paymentMethod string) (domain.FinalizeResult, error) {
	if c.Len() == 0 {
		return domain.FinalizeResult{}, domain.ErrEmptyCart
	}

	switch paymentMethod {
	case domain.PaymentCash, domain.PaymentCard:
	default:
		return domain.FinalizeResult{}, store.ErrInvalidInput
	}

	if s.dryRun {
		for _, line := range c.Lines() {
			stock, err := s.repo.GetStock(ctx, line.Code)
			if err != nil {
				return domain.FinalizeResult{}, &domain.PersistenceError{Op: "finalize", Err: err}
			}
			if line.Quantity > stock {
				return domain.FinalizeResult{}, &domain.InsufficientStockError{Code: line.Code, Available: stock}
			}
		}
		log.Printf("[service] dry-run finalize: %d lines, total=%d cents", c.Len(), c.TotalCents())
		return domain.FinalizeResult{TotalCents: c.TotalCents(), DryRun: true}, nil
	}

	sale := domain.Sale{
		Timestamp:     time.Now().UTC(),
		PaymentMethod: paymentMethod,
		Status:        domain.SaleStatusClosed,
	}
	for _, line := range c.Lines() {
		sale.Lines = append(sale.Lines, domain.SaleLine{
			Code:           line.Code,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	saved, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, store.ErrInvalidInput) || errors.As(err, &insufficient) {
			return domain.FinalizeResult{}, err
		}
		return domain.FinalizeResult{}, &domain.PersistenceError{Op: "commit sale", Err: err}
	}

	c.Clear()
	s.logAudit(ctx, "sale_finalize", "sale", fmt.Sprintf("%d", saved.ID),
		fmt.Sprintf("lines=%d,total_cents=%d,payment=%s", len(saved.Lines), saved.TotalCents, saved.PaymentMethod))

	return domain.FinalizeResult{SaleID: saved.ID, TotalCents: saved.TotalCents}, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, &domain.PersistenceError{Op: "get sale", Err: err}
	}
	return sale, nil
}

// ProcessReturn registers a return against a past sale, restocks the
// product and computes the refund from the price actually paid.
func (s *Service) ProcessReturn(ctx context.Context, saleID int64, code string, quantity int, reason string) (domain.ReturnResult, error) {
	code = strings.TrimSpace(code)
	if code == "" || quantity < 1 {
		return domain.ReturnResult{}, store.ErrInvalidInput
	}

	if _, err := s.repo.GetSale(ctx, saleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ReturnResult{}, store.ErrNotFound
		}
		return domain.ReturnResult{}, &domain.PersistenceError{Op: "process return", Err: err}
	}

	ret, err := s.repo.CreateReturn(ctx, saleID, code, quantity, reason, time.Now().UTC())
	if err != nil {
		var exceeds *domain.ExceedsSoldQuantityError
		if errors.Is(err, domain.ErrLineNotFound) || errors.Is(err, store.ErrInvalidInput) || errors.As(err, &exceeds) {
			return domain.ReturnResult{}, err
		}
		return domain.ReturnResult{}, &domain.PersistenceError{Op: "create return", Err: err}
	}

	s.logAudit(ctx, "sale_return", "return", fmt.Sprintf("%d", ret.ID),
		fmt.Sprintf("sale_id=%d,code=%s,qty=%d,refund_cents=%d", saleID, code, quantity, ret.AmountCents))

	return domain.ReturnResult{ReturnID: ret.ID, RefundAmountCents: ret.AmountCents}, nil
}

func (s *Service) ListReturns(ctx context.Context, saleID int64) ([]domain.Return, error) {
	return s.repo.ListReturnsBySale(ctx, saleID)
}

// DailyClose summarizes one calendar day, interpreted as a UTC day window.
// date uses the 2006-01-02 layout; empty means today.
func (s *Service) DailyClose(ctx context.Context, date string) (domain.DailyClose, error) {
	from, to, err := dayWindow(date)
	if err != nil {
		return domain.DailyClose{}, err
	}

	report, err := s.repo.DailyClose(ctx, from, to)
	if err != nil {
		return domain.DailyClose{}, &domain.PersistenceError{Op: "daily close", Err: err}
	}
	return report, nil
}

func (s *Service) SaleLineExports(ctx context.Context, date string) ([]domain.SaleLineExport, error) {
	from, to, err := dayWindow(date)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.SaleLineExports(ctx, from, to)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sale line exports", Err: err}
	}
	return records, nil
}

func (s *Service) OutgoingUnits(ctx context.Context, limit int) ([]domain.OutgoingUnits, error) {
	return s.repo.OutgoingUnits(ctx, limit)
}

// ImportProducts upserts the catalog. Existing codes are overwritten,
// including stock. Admin only.
func (s *Service) ImportProducts(ctx context.Context, products []domain.ProductImport) (int, error) {
	if err := requireAdmin(ctx); err != nil {
		return 0, err
	}
	if len(products) == 0 {
		return 0, store.ErrInvalidInput
	}

	count, err := s.repo.UpsertProducts(ctx, products)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return 0, err
		}
		return 0, &domain.PersistenceError{Op: "import products", Err: err}
	}

	s.logAudit(ctx, "products_import", "product", "", fmt.Sprintf("count=%d", count))
	return count, nil
}

// SetCategoryPrice upserts one price list entry and drops the cached value
// so the next resolution sees the new price. Admin only.
func (s *Service) SetCategoryPrice(ctx context.Context, category string, priceCents int64) (*domain.PriceListEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	entry, err := s.repo.UpsertCategoryPrice(ctx, category, priceCents)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return nil, err
		}
		return nil, &domain.PersistenceError{Op: "set category price", Err: err}
	}

	s.resolver.Invalidate(ctx, entry.Category)
	s.logAudit(ctx, "price_list_set", "category", entry.Category, fmt.Sprintf("price_cents=%d", entry.PriceCents))
	return entry, nil
}

func (s *Service) ListCategoryPrices(ctx context.Context) ([]domain.PriceListEntry, error) {
	return s.repo.ListCategoryPrices(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	from, to, err := dayWindow(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func dayWindow(date string) (time.Time, time.Time, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, store.ErrInvalidInput
	}
	from := day.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

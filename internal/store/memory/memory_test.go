package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
)

func TestCommitSaleAssignsSequentialIDs(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	first, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-POL-001", Quantity: 1, UnitPriceCents: 5990}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	second, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-POL-002", Quantity: 1, UnitPriceCents: 5990}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected sequential sale ids 1,2, got %d,%d", first.ID, second.ID)
	}
}

func TestCommitSaleComputesTotalFromLines(t *testing.T) {
	s := NewSeeded()

	sale, err := s.CommitSale(context.Background(), domain.Sale{
		PaymentMethod: domain.PaymentCard,
		// TotalCents left at zero on purpose: the store owns the total.
		Lines: []domain.SaleLine{
			{Code: "CB-POL-001", Quantity: 2, UnitPriceCents: 5990},
			{Code: "CB-PAN-001", Quantity: 1, UnitPriceCents: 12990},
		},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if sale.TotalCents != 2*5990+12990 {
		t.Fatalf("expected total %d, got %d", 2*5990+12990, sale.TotalCents)
	}
	for _, line := range sale.Lines {
		if line.SubtotalCents != int64(line.Quantity)*line.UnitPriceCents {
			t.Fatalf("line subtotal mismatch: %+v", line)
		}
	}
}

func TestCommitSaleAtomicOnMidCartFailure(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	// Second line exceeds stock; first line's product must stay untouched.
	_, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines: []domain.SaleLine{
			{Code: "CB-POL-001", Quantity: 1, UnitPriceCents: 5990},
			{Code: "CB-CHA-001", Quantity: 99, UnitPriceCents: 19900},
		},
	})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}

	stock, err := s.GetStock(ctx, "CB-POL-001")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock != 40 {
		t.Fatalf("expected untouched stock 40, got %d", stock)
	}
	if _, err := s.GetSale(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no sale persisted, got %v", err)
	}
}

func TestCommitSaleRejectsUnknownProduct(t *testing.T) {
	s := NewSeeded()

	_, err := s.CommitSale(context.Background(), domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "GHOST", Quantity: 1, UnitPriceCents: 100}},
	})
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCreateReturnBoundIsOriginalSoldQuantity(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	sale, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-POL-001", Quantity: 3, UnitPriceCents: 5990}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// The bound checks each request against the original quantity, so two
	// returns of 2 each are both accepted even though they sum to 4 > 3.
	for i := 0; i < 2; i++ {
		if _, err := s.CreateReturn(ctx, sale.ID, "CB-POL-001", 2, "", time.Now().UTC()); err != nil {
			t.Fatalf("return %d failed: %v", i+1, err)
		}
	}

	_, err = s.CreateReturn(ctx, sale.ID, "CB-POL-001", 4, "", time.Now().UTC())
	var exceeds *domain.ExceedsSoldQuantityError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected ExceedsSoldQuantityError for qty 4 > sold 3, got %v", err)
	}
	if exceeds.Sold != 3 {
		t.Fatalf("expected sold 3 in payload, got %d", exceeds.Sold)
	}
}

func TestCreateReturnRestocksProduct(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	sale, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-ACC-001", Quantity: 5, UnitPriceCents: 1990}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	ret, err := s.CreateReturn(ctx, sale.ID, "CB-ACC-001", 2, "defecto", time.Now().UTC())
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if ret.AmountCents != 2*1990 {
		t.Fatalf("expected refund %d, got %d", 2*1990, ret.AmountCents)
	}

	stock, err := s.GetStock(ctx, "CB-ACC-001")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if stock != 47 {
		t.Fatalf("expected stock 47 (50-5+2), got %d", stock)
	}
}

func TestUpsertProductsOverwritesExisting(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	count, err := s.UpsertProducts(ctx, []domain.ProductImport{
		{Code: "CB-POL-001", Description: "Polera Rediseno", Category: "poleras", Stock: 7},
		{Code: "CB-ZAP-001", Description: "Zapatilla Urbana", Category: "zapatos", Stock: 14},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 upserted, got %d", count)
	}

	updated, err := s.GetProductByCode(ctx, "CB-POL-001")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if updated.Stock != 7 || updated.Description != "Polera Rediseno" {
		t.Fatalf("expected overwrite, got %+v", updated)
	}
}

func TestSearchProductsMatchesDescription(t *testing.T) {
	s := NewSeeded()

	results, err := s.SearchProducts(context.Background(), "polera", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 poleras, got %d", len(results))
	}
	if results[0].Code > results[1].Code {
		t.Fatalf("expected results ordered by code")
	}
}

func TestDailyCloseWindowExcludesOtherDays(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := s.CommitSale(ctx, domain.Sale{
		Timestamp:     yesterday,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-POL-001", Quantity: 1, UnitPriceCents: 5990}},
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := s.CommitSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{Code: "CB-POL-002", Quantity: 1, UnitPriceCents: 5990}},
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	day, _ := time.Parse("2006-01-02", time.Now().UTC().Format("2006-01-02"))
	report, err := s.DailyClose(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("daily close failed: %v", err)
	}
	if report.SalesCount != 1 {
		t.Fatalf("expected only today's sale, got %d", report.SalesCount)
	}
}

package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
	"cuestablanca/pos/internal/xid"
)

// Store is an in-memory Repository used for tests and dev mode. It applies
// the same validation and atomicity rules as the SQL store: CommitSale and
// CreateReturn validate everything under the write lock before mutating any
// state, so a rejected attempt leaves nothing behind.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	priceList    map[string]domain.PriceListEntry
	salesByID    map[int64]*domain.Sale
	returns      []domain.Return
	auditLogs    []domain.AuditLog
	usersByName  map[string]domain.UserAccount
	nextSaleID   int64
	nextLineID   int64
	nextReturnID int64
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables, with hardcoded dev defaults and a warning when
// unset. Production deployments use PostgreSQL-backed accounts instead.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		priceList:   make(map[string]domain.PriceListEntry),
		salesByID:   make(map[int64]*domain.Sale),
		returns:     make([]domain.Return, 0, 64),
		auditLogs:   make([]domain.AuditLog, 0, 128),
		usersByName: seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small garment catalog and a
// category price list, roughly matching a Cuesta Blanca store shelf.
func NewSeeded() *Store {
	s := New()

	products := []domain.Product{
		{Code: "CB-POL-001", Description: "Polera Algodon Blanca M", Category: "poleras", Stock: 40},
		{Code: "CB-POL-002", Description: "Polera Algodon Negra L", Category: "poleras", Stock: 35},
		{Code: "CB-PAN-001", Description: "Pantalon Denim 42", Category: "pantalones", Stock: 18},
		{Code: "CB-PAN-002", Description: "Pantalon Cargo 44", Category: "pantalones", Stock: 12},
		{Code: "CB-CHA-001", Description: "Chaqueta Polar Azul", Category: "chaquetas", Stock: 9},
		{Code: "CB-CHA-002", Description: "Chaqueta Impermeable", Category: "chaquetas", Stock: 0},
		{Code: "CB-ACC-001", Description: "Gorro Lana Gris", Category: "accesorios", Stock: 50},
		{Code: "CB-ACC-002", Description: "Cinturon Cuero", Category: "accesorios", Stock: 22},
	}
	for _, p := range products {
		s.products[p.Code] = p
	}

	now := time.Now().UTC()
	for category, price := range map[string]int64{
		"poleras":    599000,
		"pantalones": 1299000,
		"chaquetas":  1990000,
	} {
		s.priceList[category] = domain.PriceListEntry{Category: category, PriceCents: price, UpdatedAt: now}
	}

	return s
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[code]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) SearchProducts(_ context.Context, keyword string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	keyword = strings.ToLower(strings.TrimSpace(keyword))

	results := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if keyword == "" || strings.Contains(strings.ToLower(p.Description), keyword) {
			results = append(results, p)
		}
	}
	slices.SortFunc(results, func(a, b domain.Product) int {
		return cmpString(a.Code, b.Code)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) GetStock(_ context.Context, code string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[code]
	if !exists {
		return 0, nil
	}
	return product.Stock, nil
}

func (s *Store) UpsertProducts(_ context.Context, products []domain.ProductImport) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, imp := range products {
		code := strings.TrimSpace(imp.Code)
		if code == "" || imp.Stock < 0 {
			return count, store.ErrInvalidInput
		}
		existing, ok := s.products[code]
		if ok {
			existing.Description = imp.Description
			existing.Category = imp.Category
			existing.Stock = imp.Stock
			s.products[code] = existing
		} else {
			s.products[code] = domain.Product{
				Code:        code,
				Description: imp.Description,
				Category:    imp.Category,
				Stock:       imp.Stock,
			}
		}
		count++
	}
	return count, nil
}

func (s *Store) GetCategoryPrice(_ context.Context, category string) (*domain.PriceListEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.priceList[category]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) UpsertCategoryPrice(_ context.Context, category string, priceCents int64) (*domain.PriceListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category = strings.TrimSpace(category)
	if category == "" || priceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	entry := domain.PriceListEntry{
		Category:   category,
		PriceCents: priceCents,
		UpdatedAt:  time.Now().UTC(),
	}
	s.priceList[category] = entry
	saved := entry
	return &saved, nil
}

func (s *Store) ListCategoryPrices(_ context.Context) ([]domain.PriceListEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.PriceListEntry, 0, len(s.priceList))
	for _, entry := range s.priceList {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b domain.PriceListEntry) int {
		return cmpString(a.Category, b.Category)
	})
	return entries, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	// Validate every line before touching any stock so a late failure
	// cannot leave a partial decrement behind. Quantities are accumulated
	// per code so repeated lines for one product cannot overdraw it.
	needed := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrInvalidInput
		}
		product, exists := s.products[line.Code]
		if !exists {
			return nil, domain.ErrProductNotFound
		}
		remaining := product.Stock - needed[line.Code]
		if line.Quantity > remaining {
			return nil, &domain.InsufficientStockError{Code: line.Code, Available: remaining}
		}
		needed[line.Code] += line.Quantity
	}

	total := int64(0)
	for _, line := range sale.Lines {
		total += int64(line.Quantity) * line.UnitPriceCents
	}

	s.nextSaleID++
	saved := domain.Sale{
		ID:            s.nextSaleID,
		Timestamp:     sale.Timestamp,
		TotalCents:    total,
		PaymentMethod: sale.PaymentMethod,
		Status:        domain.SaleStatusClosed,
		Lines:         make([]domain.SaleLine, 0, len(sale.Lines)),
	}
	if saved.Timestamp.IsZero() {
		saved.Timestamp = time.Now().UTC()
	}

	for _, line := range sale.Lines {
		s.nextLineID++
		saved.Lines = append(saved.Lines, domain.SaleLine{
			ID:             s.nextLineID,
			SaleID:         saved.ID,
			Code:           line.Code,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  int64(line.Quantity) * line.UnitPriceCents,
		})

		product := s.products[line.Code]
		product.Stock -= line.Quantity
		s.products[line.Code] = product
	}

	s.salesByID[saved.ID] = &saved
	result := saved
	return &result, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySale := *sale
	copySale.Lines = slices.Clone(sale.Lines)
	return &copySale, nil
}

func (s *Store) GetSaleLine(_ context.Context, saleID int64, code string) (*domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	line, err := s.findSaleLine(saleID, code)
	if err != nil {
		return nil, err
	}
	copyLine := *line
	return &copyLine, nil
}

func (s *Store) findSaleLine(saleID int64, code string) (*domain.SaleLine, error) {
	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, domain.ErrLineNotFound
	}
	for i := range sale.Lines {
		if sale.Lines[i].Code == code {
			return &sale.Lines[i], nil
		}
	}
	return nil, domain.ErrLineNotFound
}

func (s *Store) CreateReturn(_ context.Context, saleID int64, code string, quantity int, reason string, at time.Time) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	line, err := s.findSaleLine(saleID, code)
	if err != nil {
		return nil, err
	}
	// Bound is the originally sold quantity, not (sold - already returned).
	// Matches the documented behavior of the source system.
	if quantity > line.Quantity {
		return nil, &domain.ExceedsSoldQuantityError{Code: code, Sold: line.Quantity}
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.nextReturnID++
	ret := domain.Return{
		ID:          s.nextReturnID,
		SaleID:      saleID,
		Code:        code,
		Quantity:    quantity,
		AmountCents: int64(quantity) * line.UnitPriceCents,
		Reason:      reason,
		Timestamp:   at,
	}
	s.returns = append(s.returns, ret)

	if product, exists := s.products[code]; exists {
		product.Stock += quantity
		s.products[code] = product
	}

	saved := ret
	return &saved, nil
}

func (s *Store) ListReturnsBySale(_ context.Context, saleID int64) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.Return, 0, 4)
	for _, ret := range s.returns {
		if ret.SaleID == saleID {
			results = append(results, ret)
		}
	}
	return results, nil
}

func (s *Store) DailyClose(_ context.Context, from time.Time, to time.Time) (domain.DailyClose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyClose{Date: from.UTC().Format("2006-01-02")}
	for _, sale := range s.salesByID {
		if inRange(sale.Timestamp, from, to) {
			report.SalesCount++
			report.TotalSalesCents += sale.TotalCents
		}
	}
	for _, ret := range s.returns {
		if inRange(ret.Timestamp, from, to) {
			report.TotalReturnsCents += ret.AmountCents
		}
	}
	for _, product := range s.products {
		if product.Stock <= 0 {
			report.ZeroStockProducts++
		}
	}
	return report, nil
}

func (s *Store) SaleLineExports(_ context.Context, from time.Time, to time.Time) ([]domain.SaleLineExport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.SaleLineExport, 0, 64)
	for _, sale := range s.salesByID {
		if !inRange(sale.Timestamp, from, to) {
			continue
		}
		for _, line := range sale.Lines {
			records = append(records, domain.SaleLineExport{
				SaleID:         sale.ID,
				Date:           sale.Timestamp.UTC().Format("2006-01-02"),
				Code:           line.Code,
				Quantity:       line.Quantity,
				UnitPriceCents: line.UnitPriceCents,
				SubtotalCents:  line.SubtotalCents,
			})
		}
	}
	slices.SortFunc(records, func(a, b domain.SaleLineExport) int {
		if a.SaleID != b.SaleID {
			return int(a.SaleID - b.SaleID)
		}
		return cmpString(a.Code, b.Code)
	})
	return records, nil
}

func (s *Store) OutgoingUnits(_ context.Context, limit int) ([]domain.OutgoingUnits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	totals := make(map[string]*domain.OutgoingUnits)
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			agg, ok := totals[line.Code]
			if !ok {
				agg = &domain.OutgoingUnits{Code: line.Code, Description: line.Description}
				totals[line.Code] = agg
			}
			agg.UnitsSold += int64(line.Quantity)
		}
	}

	results := make([]domain.OutgoingUnits, 0, len(totals))
	for _, agg := range totals {
		results = append(results, *agg)
	}
	slices.SortFunc(results, func(a, b domain.OutgoingUnits) int {
		if a.UnitsSold != b.UnitsSold {
			return int(b.UnitsSold - a.UnitsSold)
		}
		return cmpString(a.Code, b.Code)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	results := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if inRange(entry.CreatedAt, from, to) {
			results = append(results, entry)
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByName[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByName[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

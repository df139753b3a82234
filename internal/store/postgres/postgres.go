package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
	"cuestablanca/pos/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist yet. The store runs
// against a single local database owned by this process, so startup-time
// schema creation replaces a migration pipeline.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS products (
			code TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			stock INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS price_list (
			category TEXT PRIMARY KEY,
			price_cents BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS sales (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			total_cents BIGINT NOT NULL,
			payment_method TEXT NOT NULL,
			status TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sale_lines (
			id BIGSERIAL PRIMARY KEY,
			sale_id BIGINT NOT NULL REFERENCES sales(id),
			code TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			subtotal_cents BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS returns (
			id BIGSERIAL PRIMARY KEY,
			sale_id BIGINT NOT NULL REFERENCES sales(id),
			code TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			amount_cents BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_username TEXT NOT NULL DEFAULT '',
			actor_role TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_sale_lines_sale ON sale_lines(sale_id);
		CREATE INDEX IF NOT EXISTS idx_returns_sale ON returns(sale_id);
		CREATE INDEX IF NOT EXISTS idx_sales_ts ON sales(ts);
	`)
	return err
}

func (s *Store) GetProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT code, description, category, stock
		FROM products
		WHERE code = $1
	`, code).Scan(&product.Code, &product.Description, &product.Category, &product.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) SearchProducts(ctx context.Context, keyword string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, description, category, stock
		FROM products
		WHERE description ILIKE '%' || $1 || '%'
		ORDER BY code
		LIMIT $2
	`, strings.TrimSpace(keyword), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Code, &p.Description, &p.Category, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetStock(ctx context.Context, code string) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `
		SELECT stock FROM products WHERE code = $1
	`, code).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return stock, nil
}

func (s *Store) UpsertProducts(ctx context.Context, products []domain.ProductImport) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	for _, imp := range products {
		code := strings.TrimSpace(imp.Code)
		if code == "" || imp.Stock < 0 {
			return 0, store.ErrInvalidInput
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (code, description, category, stock, updated_at)
			VALUES ($1,$2,$3,$4,now())
			ON CONFLICT (code)
			DO UPDATE SET description = EXCLUDED.description, category = EXCLUDED.category,
				stock = EXCLUDED.stock, updated_at = now()
		`, code, imp.Description, imp.Category, imp.Stock)
		if err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetCategoryPrice(ctx context.Context, category string) (*domain.PriceListEntry, error) {
	var entry domain.PriceListEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT category, price_cents, updated_at
		FROM price_list
		WHERE category = $1
	`, category).Scan(&entry.Category, &entry.PriceCents, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

func (s *Store) UpsertCategoryPrice(ctx context.Context, category string, priceCents int64) (*domain.PriceListEntry, error) {
	category = strings.TrimSpace(category)
	if category == "" || priceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	var entry domain.PriceListEntry
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO price_list (category, price_cents, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (category)
		DO UPDATE SET price_cents = EXCLUDED.price_cents, updated_at = now()
		RETURNING category, price_cents, updated_at
	`, category, priceCents).Scan(&entry.Category, &entry.PriceCents, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

func (s *Store) ListCategoryPrices(ctx context.Context) ([]domain.PriceListEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, price_cents, updated_at
		FROM price_list
		ORDER BY category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PriceListEntry, 0, 32)
	for rows.Next() {
		var entry domain.PriceListEntry
		if err := rows.Scan(&entry.Category, &entry.PriceCents, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// CommitSale runs the commit-time protocol: under one serializable
// transaction, lock and re-read stock for every line, reject the whole sale
// on the first shortfall, then insert the header, the lines, and the stock
// decrements. The deferred rollback guarantees nothing survives an early
// return.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Quantities are accumulated per code so repeated lines for one product
	// cannot overdraw it; each row is locked once.
	stocks := make(map[string]int, len(sale.Lines))
	needed := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrInvalidInput
		}

		stock, seen := stocks[line.Code]
		if !seen {
			err := tx.QueryRowContext(ctx, `
				SELECT stock FROM products WHERE code = $1 FOR UPDATE
			`, line.Code).Scan(&stock)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, domain.ErrProductNotFound
				}
				return nil, err
			}
			stocks[line.Code] = stock
		}

		remaining := stock - needed[line.Code]
		if line.Quantity > remaining {
			return nil, &domain.InsufficientStockError{Code: line.Code, Available: remaining}
		}
		needed[line.Code] += line.Quantity
	}

	total := int64(0)
	for _, line := range sale.Lines {
		total += int64(line.Quantity) * line.UnitPriceCents
	}

	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now().UTC()
	}
	sale.TotalCents = total
	sale.Status = domain.SaleStatusClosed

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (ts, total_cents, payment_method, status)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, sale.Timestamp, sale.TotalCents, sale.PaymentMethod, sale.Status).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}

	savedLines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		subtotal := int64(line.Quantity) * line.UnitPriceCents
		var lineID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sale_lines (sale_id, code, description, quantity, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, sale.ID, line.Code, line.Description, line.Quantity, line.UnitPriceCents, subtotal).Scan(&lineID)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1, updated_at = now() WHERE code = $2
		`, line.Quantity, line.Code)
		if err != nil {
			return nil, err
		}

		line.ID = lineID
		line.SaleID = sale.ID
		line.SubtotalCents = subtotal
		savedLines = append(savedLines, line)
	}
	sale.Lines = savedLines

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ts, total_cents, payment_method, status
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Timestamp, &sale.TotalCents, &sale.PaymentMethod, &sale.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.Timestamp = sale.Timestamp.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, code, description, quantity, unit_price_cents, subtotal_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.Code, &line.Description, &line.Quantity, &line.UnitPriceCents, &line.SubtotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

func (s *Store) GetSaleLine(ctx context.Context, saleID int64, code string) (*domain.SaleLine, error) {
	var line domain.SaleLine
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, code, description, quantity, unit_price_cents, subtotal_cents
		FROM sale_lines
		WHERE sale_id = $1 AND code = $2
		ORDER BY id
		LIMIT 1
	`, saleID, code).Scan(&line.ID, &line.SaleID, &line.Code, &line.Description, &line.Quantity, &line.UnitPriceCents, &line.SubtotalCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLineNotFound
		}
		return nil, err
	}
	return &line, nil
}

func (s *Store) CreateReturn(ctx context.Context, saleID int64, code string, quantity int, reason string, at time.Time) (*domain.Return, error) {
	if quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var soldQty int
	var unitPrice int64
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, unit_price_cents
		FROM sale_lines
		WHERE sale_id = $1 AND code = $2
		ORDER BY id
		LIMIT 1
	`, saleID, code).Scan(&soldQty, &unitPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLineNotFound
		}
		return nil, err
	}
	// Bound is the originally sold quantity, not (sold - already returned).
	// Matches the documented behavior of the source system.
	if quantity > soldQty {
		return nil, &domain.ExceedsSoldQuantityError{Code: code, Sold: soldQty}
	}

	ret := domain.Return{
		SaleID:      saleID,
		Code:        code,
		Quantity:    quantity,
		AmountCents: int64(quantity) * unitPrice,
		Reason:      reason,
		Timestamp:   at,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO returns (sale_id, code, quantity, amount_cents, reason, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, ret.SaleID, ret.Code, ret.Quantity, ret.AmountCents, ret.Reason, ret.Timestamp).Scan(&ret.ID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $1, updated_at = now() WHERE code = $2
	`, ret.Quantity, ret.Code)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturnsBySale(ctx context.Context, saleID int64) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, code, quantity, amount_cents, reason, ts
		FROM returns
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Return, 0, 4)
	for rows.Next() {
		var ret domain.Return
		if err := rows.Scan(&ret.ID, &ret.SaleID, &ret.Code, &ret.Quantity, &ret.AmountCents, &ret.Reason, &ret.Timestamp); err != nil {
			return nil, err
		}
		ret.Timestamp = ret.Timestamp.UTC()
		results = append(results, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) DailyClose(ctx context.Context, from time.Time, to time.Time) (domain.DailyClose, error) {
	report := domain.DailyClose{Date: from.UTC().Format("2006-01-02")}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM sales
		WHERE ts >= $1 AND ts < $2
	`, from, to).Scan(&report.SalesCount, &report.TotalSalesCents)
	if err != nil {
		return domain.DailyClose{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM returns
		WHERE ts >= $1 AND ts < $2
	`, from, to).Scan(&report.TotalReturnsCents)
	if err != nil {
		return domain.DailyClose{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM products WHERE stock <= 0
	`).Scan(&report.ZeroStockProducts)
	if err != nil {
		return domain.DailyClose{}, err
	}

	return report, nil
}

func (s *Store) SaleLineExports(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleLineExport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.ts, l.code, l.quantity, l.unit_price_cents, l.subtotal_cents
		FROM sales s
		JOIN sale_lines l ON l.sale_id = s.id
		WHERE s.ts >= $1 AND s.ts < $2
		ORDER BY s.id, l.id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.SaleLineExport, 0, 64)
	for rows.Next() {
		var rec domain.SaleLineExport
		var ts time.Time
		if err := rows.Scan(&rec.SaleID, &ts, &rec.Code, &rec.Quantity, &rec.UnitPriceCents, &rec.SubtotalCents); err != nil {
			return nil, err
		}
		rec.Date = ts.UTC().Format("2006-01-02")
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) OutgoingUnits(ctx context.Context, limit int) ([]domain.OutgoingUnits, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.code, MAX(l.description), SUM(l.quantity)
		FROM sale_lines l
		GROUP BY l.code
		ORDER BY SUM(l.quantity) DESC, l.code
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.OutgoingUnits, 0, limit)
	for rows.Next() {
		var agg domain.OutgoingUnits
		if err := rows.Scan(&agg.Code, &agg.Description, &agg.UnitsSold); err != nil {
			return nil, err
		}
		results = append(results, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

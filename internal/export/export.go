// Package export writes the daily accounting files. Each day produces two
// CSVs: a close summary and a per-line detail required by the back-office
// import. Files are written atomically by rename so a partial write never
// looks like a finished export.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"cuestablanca/pos/internal/domain"
)

type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// WriteDailyClose writes the close summary for one day and returns the file
// path.
func (w *Writer) WriteDailyClose(report domain.DailyClose) (string, error) {
	rows := [][]string{
		{"date", "sales_count", "total_sales_cents", "total_returns_cents", "zero_stock_products"},
		{
			report.Date,
			strconv.FormatInt(report.SalesCount, 10),
			strconv.FormatInt(report.TotalSalesCents, 10),
			strconv.FormatInt(report.TotalReturnsCents, 10),
			strconv.FormatInt(report.ZeroStockProducts, 10),
		},
	}
	return w.writeFile(fmt.Sprintf("daily_close_%s.csv", report.Date), rows)
}

// WriteSaleLines writes the per-line detail records for one day.
func (w *Writer) WriteSaleLines(date string, records []domain.SaleLineExport) (string, error) {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, []string{"sale_id", "date", "code", "quantity", "unit_price_cents", "subtotal_cents"})
	for _, rec := range records {
		rows = append(rows, []string{
			strconv.FormatInt(rec.SaleID, 10),
			rec.Date,
			rec.Code,
			strconv.Itoa(rec.Quantity),
			strconv.FormatInt(rec.UnitPriceCents, 10),
			strconv.FormatInt(rec.SubtotalCents, 10),
		})
	}
	return w.writeFile(fmt.Sprintf("sale_lines_%s.csv", date), rows)
}

func (w *Writer) writeFile(name string, rows [][]string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", err
	}

	final := filepath.Join(w.dir, name)
	tmp, err := os.CreateTemp(w.dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	cw := csv.NewWriter(tmp)
	if err := cw.WriteAll(rows); err != nil {
		return "", err
	}
	if err := cw.Error(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"cuestablanca/pos/internal/domain"
)

func TestWriteDailyClose(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	path, err := w.WriteDailyClose(domain.DailyClose{
		Date:              "2026-09-01",
		SalesCount:        3,
		TotalSalesCents:   125000,
		TotalReturnsCents: 5990,
		ZeroStockProducts: 1,
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if filepath.Base(path) != "daily_close_2026-09-01.csv" {
		t.Fatalf("unexpected file name %q", path)
	}

	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(rows))
	}
	want := []string{"2026-09-01", "3", "125000", "5990", "1"}
	for i, cell := range want {
		if rows[1][i] != cell {
			t.Fatalf("column %d: expected %q, got %q", i, cell, rows[1][i])
		}
	}
}

func TestWriteSaleLines(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	path, err := w.WriteSaleLines("2026-09-01", []domain.SaleLineExport{
		{SaleID: 1, Date: "2026-09-01", Code: "CB-POL-001", Quantity: 2, UnitPriceCents: 5990, SubtotalCents: 11980},
		{SaleID: 2, Date: "2026-09-01", Code: "CB-PAN-001", Quantity: 1, UnitPriceCents: 12990, SubtotalCents: 12990},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rows := readCSV(t, path)
	if len(rows) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(rows))
	}
	if rows[1][2] != "CB-POL-001" || rows[2][2] != "CB-PAN-001" {
		t.Fatalf("unexpected codes: %v", rows)
	}
}

func TestWriteSaleLinesEmptyDayStillWritesHeader(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	path, err := w.WriteSaleLines("2026-09-02", nil)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	rows := readCSV(t, path)
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}

func TestWriteCreatesExportDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "exports")
	w := NewWriter(dir)

	if _, err := w.WriteDailyClose(domain.DailyClose{Date: "2026-09-01"}); err != nil {
		t.Fatalf("write into missing dir failed: %v", err)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if _, err := w.WriteDailyClose(domain.DailyClose{Date: "2026-09-01"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file, got %d", len(entries))
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return rows
}

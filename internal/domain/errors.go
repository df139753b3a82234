package domain

import (
	"errors"
	"fmt"
)

// Validation errors are expected outcomes of normal operator mistakes and are
// returned as typed values the caller can branch on. PersistenceError is the
// only fault class: it wraps a storage failure that forced a rollback.
var (
	ErrProductNotFound = errors.New("product not found")
	ErrEmptyCart       = errors.New("empty cart")
	ErrLineNotFound    = errors.New("sale line not found")
)

// InsufficientStockError reports which product fell short and how much stock
// was actually available at validation time.
type InsufficientStockError struct {
	Code      string
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %d available", e.Code, e.Available)
}

// ExceedsSoldQuantityError reports a return quantity above what the original
// sale line recorded.
type ExceedsSoldQuantityError struct {
	Code string
	Sold int
}

func (e *ExceedsSoldQuantityError) Error() string {
	return fmt.Sprintf("return quantity exceeds sold quantity for %s: %d sold", e.Code, e.Sold)
}

// PersistenceError wraps a storage-layer fault raised during a transactional
// commit. The attempt was rolled back; nothing from it is observable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

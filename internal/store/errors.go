package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInsufficientStock   Kind = "insufficient_stock"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindValidation          Kind = "validation"
	KindAlreadyFinalized    Kind = "already_finalized"
	KindAlreadyVoided       Kind = "already_voided"
	KindInvalidState        Kind = "invalid_state"
)

var (
	ErrNotFound            = &LedgerError{Kind: KindNotFound, Message: "not found"}
	ErrInsufficientStock   = &LedgerError{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrConcurrencyConflict = &LedgerError{Kind: KindConcurrencyConflict, Message: "concurrent update, retry"}
	ErrValidation          = &LedgerError{Kind: KindValidation, Message: "invalid request"}
	ErrAlreadyFinalized    = &LedgerError{Kind: KindAlreadyFinalized, Message: "already finalized"}
	ErrAlreadyVoided       = &LedgerError{Kind: KindAlreadyVoided, Message: "already voided"}
	ErrInvalidState        = &LedgerError{Kind: KindInvalidState, Message: "invalid state"}
)

// LedgerError is returned by every Ledger operation that fails for a reason
// the caller can act on. Compare with errors.Is against the Err* sentinels.
type LedgerError struct {
	Kind      Kind
	Entity    string
	ID        string
	Message   string
	Shortfall decimal.Decimal // set for KindInsufficientStock only
	Err       error
}

func (e *LedgerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Entity != "" && e.ID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.ID, msg)
	}
	if e.Kind == KindInsufficientStock && e.Shortfall.IsPositive() {
		msg = fmt.Sprintf("%s (short by %s)", msg, e.Shortfall.String())
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	var other *LedgerError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func NotFound(entity, id string) *LedgerError {
	return &LedgerError{Kind: KindNotFound, Entity: entity, ID: id, Message: "not found"}
}

func InsufficientStock(productID string, shortfall decimal.Decimal) *LedgerError {
	return &LedgerError{
		Kind:      KindInsufficientStock,
		Entity:    "product",
		ID:        productID,
		Message:   "insufficient stock",
		Shortfall: shortfall,
	}
}

func Validation(format string, args ...any) *LedgerError {
	return &LedgerError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func AlreadyFinalized(entity, id string) *LedgerError {
	return &LedgerError{Kind: KindAlreadyFinalized, Entity: entity, ID: id, Message: "already finalized"}
}

func AlreadyVoided(entity, id string) *LedgerError {
	return &LedgerError{Kind: KindAlreadyVoided, Entity: entity, ID: id, Message: "already voided"}
}

func InvalidState(entity, id, message string) *LedgerError {
	return &LedgerError{Kind: KindInvalidState, Entity: entity, ID: id, Message: message}
}

func ConcurrencyConflict(err error) *LedgerError {
	return &LedgerError{Kind: KindConcurrencyConflict, Message: "concurrent update, retry", Err: err}
}

// KindOf returns the ledger error kind carried by err, or "" for anything
// that is not a LedgerError.
func KindOf(err error) Kind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

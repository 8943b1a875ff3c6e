package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// QuantityEpsilon absorbs rounding noise when comparing stock quantities.
	QuantityEpsilon = decimal.New(1, -4)
	// MoneyEpsilon is the cent-level tolerance used for payments and costs.
	MoneyEpsilon = decimal.New(1, -2)
)

var hundred = decimal.NewFromInt(100)

// DerivePurchaseOrderStatus returns RECEIVED once every line is fully
// received, PARTIAL once any stock has arrived, and the current status
// otherwise. An order never falls back to DRAFT after receiving starts.
func DerivePurchaseOrderStatus(current string, items []PurchaseOrderItem) string {
	if len(items) == 0 {
		return current
	}

	allReceived := true
	anyReceived := false
	for _, item := range items {
		if item.ReceivedQuantity.LessThan(item.OrderedQuantity) {
			allReceived = false
		}
		if item.ReceivedQuantity.IsPositive() {
			anyReceived = true
		}
	}

	switch {
	case allReceived:
		return PurchaseOrderStatusReceived
	case anyReceived:
		return PurchaseOrderStatusPartial
	default:
		return current
	}
}

// InvoiceStatusFor maps paid/total to DRAFT, PARTIALLY_PAID or PAID.
func InvoiceStatusFor(total, paid decimal.Decimal) string {
	if !paid.IsPositive() {
		return InvoiceStatusDraft
	}
	if total.Sub(paid).LessThanOrEqual(MoneyEpsilon) {
		return InvoiceStatusPaid
	}
	return InvoiceStatusPartiallyPaid
}

// NewCostAlert reports whether a received unit cost drifted from the recorded
// cost by more than a cent.
func NewCostAlert(productID string, oldCost, newCost decimal.Decimal) (CostAlert, bool) {
	if newCost.Sub(oldCost).Abs().LessThanOrEqual(MoneyEpsilon) {
		return CostAlert{}, false
	}

	percent := hundred
	if !oldCost.IsZero() {
		percent = newCost.Sub(oldCost).Div(oldCost).Mul(hundred).Round(2)
	}
	return CostAlert{
		ProductID:     productID,
		OldCostPrice:  oldCost,
		NewCostPrice:  newCost,
		PercentChange: percent,
	}, true
}

// DocumentNumber renders year-scoped identifiers such as SALE-2025-0001.
func DocumentNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%04d", prefix, year, seq)
}

// SynthesizeBatchNumber names a lot that arrived without a supplier batch
// number. It is unique per receipt line so unrelated deliveries never merge.
func SynthesizeBatchNumber(receiptNumber string, lineNo int) string {
	return fmt.Sprintf("%s-L%02d", receiptNumber, lineNo)
}

func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

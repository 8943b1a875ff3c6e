package postgres

import (
	"context"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

const (
	prefixSale          = "SALE"
	prefixPurchaseOrder = "PO"
	prefixGoodsReceipt  = "GR"
	prefixInvoice       = "INV"
	prefixPayment       = "RCP"
	prefixRefund        = "REF"

	// Movement numbers are global, not yearly.
	prefixMovement = "MOV"
)

// nextSequenceTx increments the (prefix, year) counter row. The upsert holds
// the row lock until the surrounding transaction ends, so concurrent callers
// queue behind each other instead of racing on a MAX() scan.
func nextSequenceTx(ctx context.Context, tx queryer, prefix string, year int) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO document_sequences (prefix, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year)
		DO UPDATE SET last_value = document_sequences.last_value + 1
		RETURNING last_value
	`, prefix, year).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) nextDocumentNumberTx(ctx context.Context, tx *ledgerTx, prefix string) (string, error) {
	year := s.now().Year()
	value, err := nextSequenceTx(ctx, tx, prefix, year)
	if err != nil {
		return "", err
	}
	return domain.DocumentNumber(prefix, year, value), nil
}

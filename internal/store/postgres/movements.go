package postgres

import (
	"context"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
	"github.com/sirbex/Digital-Shop-sub002/internal/xid"
)

var movementTypes = map[string]struct{}{
	domain.MovementGoodsReceipt:  {},
	domain.MovementSale:          {},
	domain.MovementAdjustmentIn:  {},
	domain.MovementAdjustmentOut: {},
	domain.MovementReturn:        {},
	domain.MovementDamage:        {},
	domain.MovementExpiry:        {},
	domain.MovementTransferIn:    {},
	domain.MovementTransferOut:   {},
}

// recordMovementTx queues one audit row on the transaction. Quantity is
// signed: stock leaving is negative. Rows are written by flushMovementsTx in
// the order they were recorded.
func (s *Store) recordMovementTx(tx *ledgerTx, m domain.StockMovement) error {
	if _, ok := movementTypes[m.MovementType]; !ok {
		return store.Validation("unknown movement type %q", m.MovementType)
	}
	if m.Quantity.IsZero() {
		return store.Validation("movement quantity must not be zero")
	}
	tx.movements = append(tx.movements, m)
	return nil
}

func (s *Store) flushMovementsTx(ctx context.Context, tx *ledgerTx) error {
	now := s.now()
	for i := range tx.movements {
		m := &tx.movements[i]
		number, err := nextSequenceTx(ctx, tx, prefixMovement, 0)
		if err != nil {
			return err
		}
		m.ID = xid.New("mov")
		m.MovementNumber = number
		m.CreatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (
				id, movement_number, product_id, batch_id, movement_type, quantity,
				reference_type, reference_id, actor_id, notes, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, m.ID, m.MovementNumber, m.ProductID, nullIfEmpty(m.BatchID), m.MovementType, m.Quantity,
			m.ReferenceType, m.ReferenceID, m.ActorID, nullIfEmpty(m.Notes), m.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, movement_number, product_id, COALESCE(batch_id, ''), movement_type, quantity,
			reference_type, reference_id, actor_id, COALESCE(notes, ''), created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY movement_number DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(
			&m.ID, &m.MovementNumber, &m.ProductID, &m.BatchID, &m.MovementType, &m.Quantity,
			&m.ReferenceType, &m.ReferenceID, &m.ActorID, &m.Notes, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
	"github.com/sirbex/Digital-Shop-sub002/internal/xid"
)

// openingBatchNumber holds counter stock carried over when a product that
// was tracked only by quantity_on_hand receives its first real batch.
const openingBatchNumber = "OPENING"

type lockedBatch struct {
	id        string
	remaining decimal.Decimal
}

type lockedProduct struct {
	onHand decimal.Decimal
	cost   decimal.Decimal
}

// lockProductTx takes the product row lock. Every stock path takes it before
// looking at batches, so deciding between batches and the counter cannot
// interleave with a first receipt opening the product's batches.
func lockProductTx(ctx context.Context, tx *ledgerTx, productID string) (lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRowContext(ctx, `
		SELECT quantity_on_hand, cost_price
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&p.onHand, &p.cost)
	if errors.Is(err, sql.ErrNoRows) {
		return p, store.NotFound("product", productID)
	}
	return p, err
}

// consumeTx takes quantity out of the product's ACTIVE batches, preferred
// batch first and then earliest expiry (no expiry last), oldest receipt
// first. Every decrement is conditional on the batch still holding enough,
// so a batch that lost the race is skipped rather than driven negative.
// Products without any batch rows fall back to the on-hand counter.
func (s *Store) consumeTx(ctx context.Context, tx *ledgerTx, productID string, quantity decimal.Decimal, preferredBatchID string) (domain.ConsumeResult, error) {
	result := domain.ConsumeResult{Shortfall: decimal.Zero}
	if !quantity.IsPositive() {
		return result, store.Validation("consume quantity must be positive")
	}
	if _, err := lockProductTx(ctx, tx, productID); err != nil {
		return result, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining_quantity
		FROM inventory_batches
		WHERE product_id = $1 AND status = 'ACTIVE' AND remaining_quantity > 0
		ORDER BY CASE WHEN id = $2 THEN 0 ELSE 1 END,
			expiry_date ASC NULLS LAST,
			received_date ASC,
			id ASC
		FOR UPDATE
	`, productID, preferredBatchID)
	if err != nil {
		return result, err
	}
	batches := make([]lockedBatch, 0, 8)
	for rows.Next() {
		var b lockedBatch
		if err := rows.Scan(&b.id, &b.remaining); err != nil {
			_ = rows.Close()
			return result, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return result, err
	}
	_ = rows.Close()

	if len(batches) == 0 {
		tracked, err := hasBatchesTx(ctx, tx, productID)
		if err != nil {
			return result, err
		}
		if !tracked {
			return s.consumeCounterTx(ctx, tx, productID, quantity)
		}
	}

	now := s.now()
	needed := quantity
	for _, b := range batches {
		if needed.LessThanOrEqual(domain.QuantityEpsilon) {
			break
		}
		take := domain.MinDecimal(needed, b.remaining)
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory_batches
			SET remaining_quantity = remaining_quantity - $2,
				status = CASE WHEN remaining_quantity - $2 <= 0 THEN 'DEPLETED' ELSE status END,
				updated_at = $3
			WHERE id = $1 AND remaining_quantity >= $2
		`, b.id, take, now)
		if err != nil {
			return result, err
		}
		affected, err := affectedRows(res)
		if err != nil {
			return result, err
		}
		if affected == 0 {
			continue
		}
		needed = needed.Sub(take)
		result.BatchesUsed = append(result.BatchesUsed, domain.BatchUsage{BatchID: b.id, Quantity: take})
	}

	if needed.GreaterThan(domain.QuantityEpsilon) {
		result.Shortfall = needed
		return result, store.InsufficientStock(productID, needed)
	}

	if err := s.syncProductQuantityTx(ctx, tx, productID); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) consumeCounterTx(ctx context.Context, tx *ledgerTx, productID string, quantity decimal.Decimal) (domain.ConsumeResult, error) {
	result := domain.ConsumeResult{Shortfall: decimal.Zero}
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET quantity_on_hand = quantity_on_hand - $2, updated_at = $3
		WHERE id = $1 AND quantity_on_hand >= $2
	`, productID, quantity, s.now())
	if err != nil {
		return result, err
	}
	affected, err := affectedRows(res)
	if err != nil {
		return result, err
	}
	if affected == 1 {
		result.BatchesUsed = []domain.BatchUsage{{Quantity: quantity}}
		return result, nil
	}

	var onHand decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT quantity_on_hand FROM products WHERE id = $1`, productID).Scan(&onHand)
	if errors.Is(err, sql.ErrNoRows) {
		return result, store.NotFound("product", productID)
	}
	if err != nil {
		return result, err
	}
	result.Shortfall = quantity.Sub(onHand)
	return result, store.InsufficientStock(productID, result.Shortfall)
}

// replenishTx adds stock to the (product, batch number) lot, creating it when
// missing. Existing lots keep their cost and expiry; a DEPLETED lot becomes
// ACTIVE again.
func (s *Store) replenishTx(ctx context.Context, tx *ledgerTx, req domain.ReplenishRequest) (string, error) {
	if !req.Quantity.IsPositive() {
		return "", store.Validation("replenish quantity must be positive")
	}
	if req.BatchNumber == "" {
		return "", store.Validation("batch number is required")
	}
	if err := s.openCounterBatchTx(ctx, tx, req.ProductID); err != nil {
		return "", err
	}

	received := req.ReceivedDate
	if received.IsZero() {
		received = s.now()
	}

	var batchID string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO inventory_batches (
			id, product_id, batch_number, initial_quantity, remaining_quantity,
			cost_price, expiry_date, received_date, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $4, $5, $6, $7, 'ACTIVE', $8, $8)
		ON CONFLICT (product_id, batch_number)
		DO UPDATE SET
			initial_quantity = inventory_batches.initial_quantity + EXCLUDED.initial_quantity,
			remaining_quantity = inventory_batches.remaining_quantity + EXCLUDED.remaining_quantity,
			status = CASE WHEN inventory_batches.status = 'DEPLETED' THEN 'ACTIVE' ELSE inventory_batches.status END,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, xid.New("bat"), req.ProductID, req.BatchNumber, req.Quantity, req.CostPrice, nullDate(req.ExpiryDate), received, s.now()).Scan(&batchID)
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// openCounterBatchTx moves existing counter stock into an OPENING batch the
// first time a counter-tracked product gets a batch, so the recomputed
// on-hand total does not lose it. No movement is written: nothing entered or
// left the store.
func (s *Store) openCounterBatchTx(ctx context.Context, tx *ledgerTx, productID string) error {
	product, err := lockProductTx(ctx, tx, productID)
	if err != nil {
		return err
	}
	tracked, err := hasBatchesTx(ctx, tx, productID)
	if err != nil || tracked {
		return err
	}
	if !product.onHand.IsPositive() {
		return nil
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_batches (
			id, product_id, batch_number, initial_quantity, remaining_quantity,
			cost_price, expiry_date, received_date, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $4, $5, NULL, $6, 'ACTIVE', $6, $6)
		ON CONFLICT (product_id, batch_number) DO NOTHING
	`, xid.New("bat"), productID, openingBatchNumber, product.onHand, product.cost, now)
	return err
}

// returnTx puts quantity back into the batch it was consumed from, never
// beyond the batch's initial quantity. It returns the amount actually
// applied and the batch that took it. An empty batchID means the stock was
// taken from the counter.
func (s *Store) returnTx(ctx context.Context, tx *ledgerTx, productID string, batchID string, quantity decimal.Decimal) (decimal.Decimal, string, error) {
	if !quantity.IsPositive() {
		return decimal.Zero, "", store.Validation("return quantity must be positive")
	}
	product, err := lockProductTx(ctx, tx, productID)
	if err != nil {
		return decimal.Zero, "", err
	}
	if batchID == "" {
		return s.returnToCounterTx(ctx, tx, productID, product.cost, quantity)
	}

	var initial, remaining decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT initial_quantity, remaining_quantity
		FROM inventory_batches
		WHERE id = $1 AND product_id = $2
		FOR UPDATE
	`, batchID, productID).Scan(&initial, &remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, "", store.NotFound("batch", batchID)
	}
	if err != nil {
		return decimal.Zero, "", err
	}

	updated := domain.MinDecimal(initial, remaining.Add(quantity))
	applied := updated.Sub(remaining)
	if !applied.IsPositive() {
		return decimal.Zero, batchID, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory_batches
		SET remaining_quantity = $2,
			status = CASE WHEN status = 'DEPLETED' AND $2 > 0 THEN 'ACTIVE' ELSE status END,
			updated_at = $3
		WHERE id = $1
	`, batchID, updated, s.now())
	if err != nil {
		return decimal.Zero, "", err
	}
	if err := s.syncProductQuantityTx(ctx, tx, productID); err != nil {
		return decimal.Zero, "", err
	}
	return applied, batchID, nil
}

// returnToCounterTx is returnTx for stock that was sold off the counter. The
// caller holds the product lock.
func (s *Store) returnToCounterTx(ctx context.Context, tx *ledgerTx, productID string, cost decimal.Decimal, quantity decimal.Decimal) (decimal.Decimal, string, error) {
	tracked, err := hasBatchesTx(ctx, tx, productID)
	if err != nil {
		return decimal.Zero, "", err
	}
	if tracked {
		// The product switched to batches after this stock was sold; put it
		// into the opening lot so the recomputed total includes it.
		batchID, err := s.replenishTx(ctx, tx, domain.ReplenishRequest{
			ProductID:   productID,
			BatchNumber: openingBatchNumber,
			Quantity:    quantity,
			CostPrice:   cost,
		})
		if err != nil {
			return decimal.Zero, "", err
		}
		if err := s.syncProductQuantityTx(ctx, tx, productID); err != nil {
			return decimal.Zero, "", err
		}
		return quantity, batchID, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET quantity_on_hand = quantity_on_hand + $2, updated_at = $3
		WHERE id = $1
	`, productID, quantity, s.now())
	if err != nil {
		return decimal.Zero, "", err
	}
	return quantity, "", nil
}

// syncProductQuantityTx recomputes quantity_on_hand from ACTIVE batches.
// Products with no batch rows keep their counter.
func (s *Store) syncProductQuantityTx(ctx context.Context, tx *ledgerTx, productID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products p
		SET quantity_on_hand = COALESCE((
				SELECT SUM(b.remaining_quantity)
				FROM inventory_batches b
				WHERE b.product_id = p.id AND b.status = 'ACTIVE'
			), 0),
			updated_at = $2
		WHERE p.id = $1
			AND EXISTS (SELECT 1 FROM inventory_batches WHERE product_id = $1)
	`, productID, s.now())
	return err
}

func hasBatchesTx(ctx context.Context, tx *ledgerTx, productID string) (bool, error) {
	var tracked bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM inventory_batches WHERE product_id = $1)
	`, productID).Scan(&tracked)
	return tracked, err
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
	"github.com/sirbex/Digital-Shop-sub002/internal/xid"
)

func (s *Store) CreateGoodsReceipt(ctx context.Context, actorID string, receipt domain.GoodsReceipt) (*domain.GoodsReceipt, error) {
	if receipt.SupplierID == "" {
		return nil, store.Validation("supplier id is required")
	}
	if len(receipt.Items) == 0 {
		return nil, store.Validation("goods receipt must contain at least one item")
	}
	for i, item := range receipt.Items {
		if item.ProductID == "" || !item.Quantity.IsPositive() || item.UnitCost.IsNegative() {
			return nil, store.Validation("item %d: product, positive quantity and non-negative cost are required", i+1)
		}
		if item.PurchaseOrderItemID != "" && receipt.PurchaseOrderID == "" {
			return nil, store.Validation("item %d: purchase order item given without a purchase order", i+1)
		}
	}

	now := s.now()
	receipt.ID = xid.New("gr")
	receipt.Status = domain.GoodsReceiptStatusDraft
	receipt.CreatedBy = actorID
	receipt.FinalizedBy = ""
	receipt.FinalizedAt = nil
	if receipt.ReceivedDate.IsZero() {
		receipt.ReceivedDate = now
	}

	err := s.withTx(ctx, "create_goods_receipt", func(ctx context.Context, tx *ledgerTx) error {
		if err := ensureSupplierTx(ctx, tx, receipt.SupplierID); err != nil {
			return err
		}
		if receipt.PurchaseOrderID != "" {
			if err := checkReceiptAgainstOrderTx(ctx, tx, receipt); err != nil {
				return err
			}
		}

		number, err := s.nextDocumentNumberTx(ctx, tx, prefixGoodsReceipt)
		if err != nil {
			return err
		}
		receipt.ReceiptNumber = number

		_, err = tx.ExecContext(ctx, `
			INSERT INTO goods_receipts (
				id, receipt_number, purchase_order_id, supplier_id, status, received_date, created_by, notes, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, receipt.ID, receipt.ReceiptNumber, nullIfEmpty(receipt.PurchaseOrderID), receipt.SupplierID, receipt.Status,
			receipt.ReceivedDate, receipt.CreatedBy, nullIfEmpty(receipt.Notes), now)
		if err != nil {
			return err
		}

		for i := range receipt.Items {
			item := &receipt.Items[i]
			item.ID = xid.New("gri")
			item.LineNo = i + 1
			_, err := tx.ExecContext(ctx, `
				INSERT INTO goods_receipt_items (
					id, goods_receipt_id, line_no, product_id, purchase_order_item_id, quantity, unit_cost, batch_number, expiry_date
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, item.ID, receipt.ID, item.LineNo, item.ProductID, nullIfEmpty(item.PurchaseOrderItemID), item.Quantity,
				item.UnitCost, nullIfEmpty(item.BatchNumber), nullDate(item.ExpiryDate))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func checkReceiptAgainstOrderTx(ctx context.Context, tx *ledgerTx, receipt domain.GoodsReceipt) error {
	var status, supplierID string
	err := tx.QueryRowContext(ctx, `
		SELECT status, supplier_id FROM purchase_orders WHERE id = $1
	`, receipt.PurchaseOrderID).Scan(&status, &supplierID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound("purchase_order", receipt.PurchaseOrderID)
	}
	if err != nil {
		return err
	}
	if status == domain.PurchaseOrderStatusCancelled {
		return store.InvalidState("purchase_order", receipt.PurchaseOrderID, "purchase order is cancelled")
	}
	if supplierID != receipt.SupplierID {
		return store.Validation("goods receipt supplier does not match purchase order supplier")
	}

	for i, item := range receipt.Items {
		if item.PurchaseOrderItemID == "" {
			continue
		}
		var productID string
		err := tx.QueryRowContext(ctx, `
			SELECT product_id FROM purchase_order_items WHERE id = $1 AND purchase_order_id = $2
		`, item.PurchaseOrderItemID, receipt.PurchaseOrderID).Scan(&productID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Validation("item %d: purchase order item %s is not on order %s", i+1, item.PurchaseOrderItemID, receipt.PurchaseOrderID)
		}
		if err != nil {
			return err
		}
		if productID != item.ProductID {
			return store.Validation("item %d: product does not match purchase order item", i+1)
		}
	}
	return nil
}

// FinalizeGoodsReceipt turns a DRAFT receipt into stock. The status flip is
// the first statement, so of two concurrent finalizers exactly one gets the
// row; the other sees AlreadyFinalized once the winner commits.
func (s *Store) FinalizeGoodsReceipt(ctx context.Context, receiptID string, actorID string) (*domain.FinalizeResult, error) {
	result := &domain.FinalizeResult{CostAlerts: []domain.CostAlert{}}

	err := s.withTx(ctx, "finalize_goods_receipt", func(ctx context.Context, tx *ledgerTx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE goods_receipts
			SET status = 'COMPLETED', finalized_by = $2, finalized_at = $3
			WHERE id = $1 AND status = 'DRAFT'
		`, receiptID, actorID, now)
		if err != nil {
			return err
		}
		affected, err := affectedRows(res)
		if err != nil {
			return err
		}
		if affected == 0 {
			return finalizeRejection(ctx, tx, receiptID)
		}

		receipt, err := loadGoodsReceipt(ctx, tx, receiptID)
		if err != nil {
			return err
		}

		poStatus := ""
		if receipt.PurchaseOrderID != "" {
			err := tx.QueryRowContext(ctx, `
				SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
			`, receipt.PurchaseOrderID).Scan(&poStatus)
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFound("purchase_order", receipt.PurchaseOrderID)
			}
			if err != nil {
				return err
			}
			if poStatus == domain.PurchaseOrderStatusCancelled {
				return store.InvalidState("purchase_order", receipt.PurchaseOrderID, "cannot receive against a cancelled purchase order")
			}
		}

		for _, i := range receiptOrder(receipt.Items) {
			alert, err := s.receiveItemTx(ctx, tx, receipt, receipt.Items[i], actorID)
			if err != nil {
				return err
			}
			if alert != nil {
				result.CostAlerts = append(result.CostAlerts, *alert)
			}
		}

		if receipt.PurchaseOrderID != "" {
			if _, err := s.refreshPurchaseOrderStatusTx(ctx, tx, receipt.PurchaseOrderID, poStatus); err != nil {
				return err
			}
		}

		result.Receipt = *receipt
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, alert := range result.CostAlerts {
		s.logger.Info("product cost changed on receipt",
			zap.String("goods_receipt_id", receiptID),
			zap.String("product_id", alert.ProductID),
			zap.String("old_cost", alert.OldCostPrice.String()),
			zap.String("new_cost", alert.NewCostPrice.String()),
			zap.String("percent_change", alert.PercentChange.String()),
		)
	}
	return result, nil
}

// receiptOrder returns item indexes sorted by product id, the same product
// lock order sales use.
func receiptOrder(items []domain.GoodsReceiptItem) []int {
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].ProductID < items[order[b]].ProductID
	})
	return order
}

func finalizeRejection(ctx context.Context, tx *ledgerTx, receiptID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM goods_receipts WHERE id = $1`, receiptID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound("goods_receipt", receiptID)
	}
	if err != nil {
		return err
	}
	if status == domain.GoodsReceiptStatusCompleted {
		return store.AlreadyFinalized("goods_receipt", receiptID)
	}
	return store.InvalidState("goods_receipt", receiptID, "goods receipt is "+status)
}

// receiveItemTx books one receipt line: stock into its batch, the movement,
// the cost check and the purchase order progress.
func (s *Store) receiveItemTx(ctx context.Context, tx *ledgerTx, receipt *domain.GoodsReceipt, item domain.GoodsReceiptItem, actorID string) (*domain.CostAlert, error) {
	batchNumber := item.BatchNumber
	if batchNumber == "" {
		batchNumber = domain.SynthesizeBatchNumber(receipt.ReceiptNumber, item.LineNo)
	}

	batchID, err := s.replenishTx(ctx, tx, domain.ReplenishRequest{
		ProductID:    item.ProductID,
		BatchNumber:  batchNumber,
		Quantity:     item.Quantity,
		CostPrice:    item.UnitCost,
		ExpiryDate:   item.ExpiryDate,
		ReceivedDate: receipt.ReceivedDate,
	})
	if err != nil {
		return nil, err
	}
	if err := s.recordMovementTx(tx, domain.StockMovement{
		ProductID:     item.ProductID,
		BatchID:       batchID,
		MovementType:  domain.MovementGoodsReceipt,
		Quantity:      item.Quantity,
		ReferenceType: domain.ReferenceGoodsReceipt,
		ReferenceID:   receipt.ID,
		ActorID:       actorID,
	}); err != nil {
		return nil, err
	}
	if err := s.syncProductQuantityTx(ctx, tx, item.ProductID); err != nil {
		return nil, err
	}

	var currentCost decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT cost_price FROM products WHERE id = $1 FOR UPDATE
	`, item.ProductID).Scan(&currentCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("product", item.ProductID)
	}
	if err != nil {
		return nil, err
	}

	var result *domain.CostAlert
	if alert, changed := domain.NewCostAlert(item.ProductID, currentCost, item.UnitCost); changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET cost_price = $2, updated_at = $3 WHERE id = $1
		`, item.ProductID, item.UnitCost, s.now()); err != nil {
			return nil, err
		}
		result = &alert
	}

	if item.PurchaseOrderItemID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE purchase_order_items
			SET received_quantity = received_quantity + $2
			WHERE id = $1 AND purchase_order_id = $3
		`, item.PurchaseOrderItemID, item.Quantity, receipt.PurchaseOrderID)
		if err != nil {
			return nil, err
		}
		affected, err := affectedRows(res)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.NotFound("purchase_order_item", item.PurchaseOrderItemID)
		}
	}
	return result, nil
}

func loadGoodsReceipt(ctx context.Context, q queryer, receiptID string) (*domain.GoodsReceipt, error) {
	var receipt domain.GoodsReceipt
	var purchaseOrderID, finalizedBy, notes sql.NullString
	var finalizedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, receipt_number, purchase_order_id, supplier_id, status, received_date,
			created_by, finalized_by, finalized_at, notes
		FROM goods_receipts
		WHERE id = $1
	`, receiptID).Scan(&receipt.ID, &receipt.ReceiptNumber, &purchaseOrderID, &receipt.SupplierID, &receipt.Status,
		&receipt.ReceivedDate, &receipt.CreatedBy, &finalizedBy, &finalizedAt, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("goods_receipt", receiptID)
	}
	if err != nil {
		return nil, err
	}
	receipt.PurchaseOrderID = purchaseOrderID.String
	receipt.FinalizedBy = finalizedBy.String
	receipt.FinalizedAt = timePtr(finalizedAt)
	receipt.Notes = notes.String
	receipt.ReceivedDate = receipt.ReceivedDate.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, line_no, product_id, COALESCE(purchase_order_item_id, ''), quantity, unit_cost,
			COALESCE(batch_number, ''), expiry_date
		FROM goods_receipt_items
		WHERE goods_receipt_id = $1
		ORDER BY line_no
	`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipt.Items = make([]domain.GoodsReceiptItem, 0, 8)
	for rows.Next() {
		var item domain.GoodsReceiptItem
		var expiry sql.NullTime
		if err := rows.Scan(&item.ID, &item.LineNo, &item.ProductID, &item.PurchaseOrderItemID, &item.Quantity,
			&item.UnitCost, &item.BatchNumber, &expiry); err != nil {
			return nil, err
		}
		item.ExpiryDate = timePtr(expiry)
		receipt.Items = append(receipt.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) GetGoodsReceipt(ctx context.Context, receiptID string) (*domain.GoodsReceipt, error) {
	return loadGoodsReceipt(ctx, s.db, receiptID)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
	"github.com/sirbex/Digital-Shop-sub002/internal/xid"
)

func (s *Store) CreatePurchaseOrder(ctx context.Context, actorID string, req domain.PurchaseOrderCreateRequest) (*domain.PurchaseOrder, error) {
	if req.SupplierID == "" {
		return nil, store.Validation("supplier id is required")
	}
	if len(req.Items) == 0 {
		return nil, store.Validation("purchase order must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ProductID == "" || !item.OrderedQuantity.IsPositive() || item.UnitCost.IsNegative() {
			return nil, store.Validation("item %d: product, positive quantity and non-negative cost are required", i+1)
		}
	}

	status := domain.PurchaseOrderStatusDraft
	if req.Send {
		status = domain.PurchaseOrderStatusSent
	}
	po := &domain.PurchaseOrder{
		ID:         xid.New("po"),
		SupplierID: req.SupplierID,
		Status:     status,
		CreatedBy:  actorID,
		CreatedAt:  s.now(),
		Items:      make([]domain.PurchaseOrderItem, 0, len(req.Items)),
	}

	err := s.withTx(ctx, "create_purchase_order", func(ctx context.Context, tx *ledgerTx) error {
		if err := ensureSupplierTx(ctx, tx, req.SupplierID); err != nil {
			return err
		}

		number, err := s.nextDocumentNumberTx(ctx, tx, prefixPurchaseOrder)
		if err != nil {
			return err
		}
		po.OrderNumber = number

		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_orders (id, order_number, supplier_id, status, created_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
		`, po.ID, po.OrderNumber, po.SupplierID, po.Status, po.CreatedBy, po.CreatedAt)
		if err != nil {
			return err
		}

		for _, line := range req.Items {
			item := domain.PurchaseOrderItem{
				ID:               xid.New("poi"),
				ProductID:        line.ProductID,
				OrderedQuantity:  line.OrderedQuantity,
				ReceivedQuantity: decimal.Zero,
				UnitCost:         line.UnitCost,
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO purchase_order_items (id, purchase_order_id, product_id, ordered_quantity, received_quantity, unit_cost)
				VALUES ($1,$2,$3,$4,0,$5)
			`, item.ID, po.ID, item.ProductID, item.OrderedQuantity, item.UnitCost)
			if err != nil {
				return err
			}
			po.Items = append(po.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return po, nil
}

func ensureSupplierTx(ctx context.Context, tx *ledgerTx, supplierID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1)`, supplierID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.NotFound("supplier", supplierID)
	}
	return nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, supplier_id, status, created_by, created_at
		FROM purchase_orders
		WHERE id = $1
	`, purchaseOrderID).Scan(&po.ID, &po.OrderNumber, &po.SupplierID, &po.Status, &po.CreatedBy, &po.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("purchase_order", purchaseOrderID)
	}
	if err != nil {
		return nil, err
	}
	po.CreatedAt = po.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, ordered_quantity, received_quantity, unit_cost
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY id
	`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanPurchaseOrderItems(rows)
	if err != nil {
		return nil, err
	}
	po.Items = items
	return &po, nil
}

func scanPurchaseOrderItems(rows *sql.Rows) ([]domain.PurchaseOrderItem, error) {
	items := make([]domain.PurchaseOrderItem, 0, 8)
	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.OrderedQuantity, &item.ReceivedQuantity, &item.UnitCost); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// refreshPurchaseOrderStatusTx recomputes the order's fulfilment status from
// its item quantities. The caller already holds the order row lock.
func (s *Store) refreshPurchaseOrderStatusTx(ctx context.Context, tx *ledgerTx, purchaseOrderID string, current string) (string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, ordered_quantity, received_quantity, unit_cost
		FROM purchase_order_items
		WHERE purchase_order_id = $1
	`, purchaseOrderID)
	if err != nil {
		return "", err
	}
	items, err := scanPurchaseOrderItems(rows)
	_ = rows.Close()
	if err != nil {
		return "", err
	}

	for _, item := range items {
		if item.ReceivedQuantity.GreaterThan(item.OrderedQuantity) {
			s.logger.Warn("purchase order item over-received",
				zap.String("purchase_order_id", purchaseOrderID),
				zap.String("purchase_order_item_id", item.ID),
				zap.String("ordered", item.OrderedQuantity.String()),
				zap.String("received", item.ReceivedQuantity.String()),
			)
		}
	}

	next := domain.DerivePurchaseOrderStatus(current, items)
	if next == current {
		return current, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2, updated_at = $3 WHERE id = $1
	`, purchaseOrderID, next, s.now())
	if err != nil {
		return "", err
	}
	return next, nil
}

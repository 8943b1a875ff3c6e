package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
	"github.com/sirbex/Digital-Shop-sub002/internal/xid"
)

func validateSaleRequest(req domain.SaleRequest) error {
	if len(req.Items) == 0 {
		return store.Validation("sale must contain at least one item")
	}
	if req.PaymentMethod == "" {
		return store.Validation("payment method is required")
	}
	if req.TotalAmount.IsNegative() || req.AmountPaid.IsNegative() {
		return store.Validation("amounts must not be negative")
	}
	for i, item := range req.Items {
		if !item.Quantity.IsPositive() {
			return store.Validation("item %d: quantity must be positive", i+1)
		}
		switch item.ItemType {
		case domain.ItemTypeProduct:
			if item.ProductID == "" {
				return store.Validation("item %d: product id is required", i+1)
			}
		case domain.ItemTypeService, domain.ItemTypeCustom:
		default:
			return store.Validation("item %d: unknown item type %q", i+1, item.ItemType)
		}
	}
	if req.CustomerID == "" && req.AmountPaid.LessThan(req.TotalAmount.Sub(domain.MoneyEpsilon)) {
		return store.Validation("underpaid sale requires a customer to invoice")
	}
	return nil
}

// CreateSale records the sale, consumes stock for every PRODUCT line and,
// for an underpaid customer sale, opens the invoice. All in one transaction.
func (s *Store) CreateSale(ctx context.Context, cashierID string, req domain.SaleRequest) (*domain.Sale, error) {
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	sale := &domain.Sale{
		ID:            xid.New("sale"),
		CustomerID:    req.CustomerID,
		CashierID:     cashierID,
		Subtotal:      req.Subtotal,
		TaxAmount:     req.TaxAmount,
		DiscountTotal: req.DiscountTotal,
		TotalAmount:   req.TotalAmount,
		TotalCost:     req.TotalCost,
		Profit:        req.Profit,
		PaymentMethod: req.PaymentMethod,
		AmountPaid:    req.AmountPaid,
		ChangeAmount:  decimal.Max(req.AmountPaid.Sub(req.TotalAmount), decimal.Zero),
		Status:        domain.SaleStatusCompleted,
		Notes:         req.Notes,
		CreatedAt:     now,
	}

	err := s.withTx(ctx, "create_sale", func(ctx context.Context, tx *ledgerTx) error {
		if sale.CustomerID != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, sale.CustomerID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.NotFound("customer", sale.CustomerID)
			}
		}

		number, err := s.nextDocumentNumberTx(ctx, tx, prefixSale)
		if err != nil {
			return err
		}
		sale.SaleNumber = number

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales (
				id, sale_number, customer_id, cashier_id, subtotal, tax_amount, discount_total,
				total_amount, total_cost, profit, payment_method, amount_paid, change_amount,
				status, notes, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		`, sale.ID, sale.SaleNumber, nullIfEmpty(sale.CustomerID), sale.CashierID, sale.Subtotal, sale.TaxAmount,
			sale.DiscountTotal, sale.TotalAmount, sale.TotalCost, sale.Profit, sale.PaymentMethod, sale.AmountPaid,
			sale.ChangeAmount, sale.Status, nullIfEmpty(sale.Notes), sale.CreatedAt)
		if err != nil {
			return err
		}

		sale.Items = make([]domain.SaleItem, len(req.Items))
		for i, line := range req.Items {
			sale.Items[i] = newSaleItem(i+1, line)
		}
		for _, i := range consumptionOrder(sale.Items) {
			item := &sale.Items[i]
			result, err := s.consumeTx(ctx, tx, item.ProductID, item.Quantity, item.PreferredBatchID)
			if err != nil {
				return err
			}
			item.BatchesUsed = result.BatchesUsed
			if len(result.BatchesUsed) > 0 {
				item.BatchID = result.BatchesUsed[0].BatchID
			}
		}
		for i := range sale.Items {
			if err := s.insertSaleItemTx(ctx, tx, sale, &sale.Items[i]); err != nil {
				return err
			}
		}

		if sale.CustomerID != "" && sale.AmountPaid.LessThan(sale.TotalAmount.Sub(domain.MoneyEpsilon)) {
			invoiceID, err := s.createInvoiceForSaleTx(ctx, tx, sale)
			if err != nil {
				return err
			}
			sale.InvoiceID = invoiceID
			if _, err := tx.ExecContext(ctx, `UPDATE sales SET invoice_id = $2 WHERE id = $1`, sale.ID, invoiceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func newSaleItem(lineNo int, line domain.SaleItemRequest) domain.SaleItem {
	return domain.SaleItem{
		ID:               xid.New("sli"),
		LineNo:           lineNo,
		ItemType:         line.ItemType,
		ProductID:        line.ProductID,
		Description:      line.Description,
		Quantity:         line.Quantity,
		UnitPrice:        line.UnitPrice,
		UnitCost:         line.UnitCost,
		DiscountAmount:   line.DiscountAmount,
		LineTotal:        line.LineTotal,
		Profit:           line.Profit,
		RefundedQuantity: decimal.Zero,
		PreferredBatchID: line.PreferredBatchID,
	}
}

// consumptionOrder returns the indexes of PRODUCT lines sorted by product id.
// Concurrent multi-line sales then lock batch rows in the same order.
func consumptionOrder(items []domain.SaleItem) []int {
	order := make([]int, 0, len(items))
	for i, item := range items {
		if item.ItemType == domain.ItemTypeProduct {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].ProductID < items[order[b]].ProductID
	})
	return order
}

func (s *Store) insertSaleItemTx(ctx context.Context, tx *ledgerTx, sale *domain.Sale, item *domain.SaleItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sale_items (
			id, sale_id, line_no, item_type, product_id, description, quantity, unit_price,
			unit_cost, discount_amount, line_total, profit, batch_id, refunded_quantity
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0)
	`, item.ID, sale.ID, item.LineNo, item.ItemType, nullIfEmpty(item.ProductID), item.Description, item.Quantity,
		item.UnitPrice, item.UnitCost, item.DiscountAmount, item.LineTotal, item.Profit, nullIfEmpty(item.BatchID))
	if err != nil {
		return err
	}

	for seq, usage := range item.BatchesUsed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_item_allocations (id, sale_item_id, seq, batch_id, quantity, returned_quantity)
			VALUES ($1, $2, $3, $4, $5, 0)
		`, xid.New("alc"), item.ID, seq+1, nullIfEmpty(usage.BatchID), usage.Quantity)
		if err != nil {
			return err
		}
		if err := s.recordMovementTx(tx, domain.StockMovement{
			ProductID:     item.ProductID,
			BatchID:       usage.BatchID,
			MovementType:  domain.MovementSale,
			Quantity:      usage.Quantity.Neg(),
			ReferenceType: domain.ReferenceSale,
			ReferenceID:   sale.ID,
			ActorID:       sale.CashierID,
		}); err != nil {
			return err
		}
	}
	return nil
}

type saleAllocation struct {
	id          string
	productID   string
	batchID     string
	outstanding decimal.Decimal
}

// VoidSale is a compensating transaction: it puts back every allocation not
// already returned by a refund, cancels the linked invoice and marks the sale
// VOID. A sale can be voided once.
func (s *Store) VoidSale(ctx context.Context, saleID string, actorID string, req domain.VoidSaleRequest) (*domain.Sale, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, store.Validation("void reason is required")
	}

	err := s.withTx(ctx, "void_sale", func(ctx context.Context, tx *ledgerTx) error {
		now := s.now()
		note := voidNote(now, actorID, reason, req.Notes)
		res, err := tx.ExecContext(ctx, `
			UPDATE sales
			SET status = 'VOID',
				notes = CASE WHEN COALESCE(notes, '') = '' THEN $2 ELSE notes || E'\n' || $2 END,
				updated_at = $3
			WHERE id = $1 AND status <> 'VOID'
		`, saleID, note, now)
		if err != nil {
			return err
		}
		affected, err := affectedRows(res)
		if err != nil {
			return err
		}
		if affected == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1`, saleID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFound("sale", saleID)
			}
			if err != nil {
				return err
			}
			return store.AlreadyVoided("sale", saleID)
		}

		allocations, err := loadOutstandingAllocationsTx(ctx, tx, saleID, "")
		if err != nil {
			return err
		}
		for _, alloc := range allocations {
			if err := s.returnAllocationTx(ctx, tx, alloc, alloc.outstanding, domain.ReferenceVoid, saleID, actorID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE invoices
			SET status = 'CANCELLED', updated_at = $2
			WHERE sale_id = $1 AND status <> 'CANCELLED'
		`, saleID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale voided", zap.String("sale_id", saleID), zap.String("actor", actorID))
	return s.GetSale(ctx, saleID)
}

func voidNote(at time.Time, actorID, reason, notes string) string {
	note := fmt.Sprintf("[VOID] at=%s by=%s reason=%q", at.Format(time.RFC3339), actorID, reason)
	if extra := strings.TrimSpace(notes); extra != "" {
		note += fmt.Sprintf(" notes=%q", extra)
	}
	return note
}

// loadOutstandingAllocationsTx locks the sale's allocations that are neither
// returned nor written off, in product order and newest consumption first.
// An empty saleItemID means every line of the sale.
func loadOutstandingAllocationsTx(ctx context.Context, tx *ledgerTx, saleID string, saleItemID string) ([]saleAllocation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT a.id, i.product_id, COALESCE(a.batch_id, ''),
			a.quantity - a.returned_quantity - a.written_off_quantity
		FROM sale_item_allocations a
		JOIN sale_items i ON i.id = a.sale_item_id
		WHERE i.sale_id = $1
			AND ($2 = '' OR i.id = $2)
			AND a.quantity > a.returned_quantity + a.written_off_quantity
		ORDER BY i.product_id ASC, i.line_no ASC, a.seq DESC
		FOR UPDATE OF a
	`, saleID, saleItemID)
	if err != nil {
		return nil, err
	}
	allocations := make([]saleAllocation, 0, 4)
	for rows.Next() {
		var a saleAllocation
		if err := rows.Scan(&a.id, &a.productID, &a.batchID, &a.outstanding); err != nil {
			_ = rows.Close()
			return nil, err
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	return allocations, nil
}

// returnAllocationTx returns quantity of one allocation to its batch and
// writes the RETURN movement for what was applied.
func (s *Store) returnAllocationTx(ctx context.Context, tx *ledgerTx, alloc saleAllocation, quantity decimal.Decimal, referenceType, referenceID, actorID string) error {
	applied, batchID, err := s.returnTx(ctx, tx, alloc.productID, alloc.batchID, quantity)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sale_item_allocations
		SET returned_quantity = returned_quantity + $2
		WHERE id = $1
	`, alloc.id, quantity); err != nil {
		return err
	}
	if !applied.IsPositive() {
		s.logger.Warn("returned quantity exceeds batch capacity, nothing restocked",
			zap.String("batch_id", alloc.batchID),
			zap.String("product_id", alloc.productID),
		)
		return nil
	}
	return s.recordMovementTx(tx, domain.StockMovement{
		ProductID:     alloc.productID,
		BatchID:       batchID,
		MovementType:  domain.MovementReturn,
		Quantity:      applied,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		ActorID:       actorID,
	})
}

type refundableLine struct {
	id       string
	itemType string
	quantity decimal.Decimal
	refunded decimal.Decimal
}

// CreateRefund refunds part or all of a sale. Per-line quantities are bounded
// by what was sold minus what earlier refunds took back.
func (s *Store) CreateRefund(ctx context.Context, saleID string, actorID string, req domain.RefundRequest) (*domain.Refund, error) {
	if len(req.Items) == 0 {
		return nil, store.Validation("refund must contain at least one item")
	}
	if req.RefundAmount.IsNegative() {
		return nil, store.Validation("refund amount must not be negative")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, store.Validation("refund reason is required")
	}
	for _, item := range req.Items {
		if item.SaleItemID == "" || !item.Quantity.IsPositive() {
			return nil, store.Validation("refund items need a sale item id and a positive quantity")
		}
	}

	refund := &domain.Refund{
		ID:                xid.New("ref"),
		SaleID:            saleID,
		RefundAmount:      req.RefundAmount,
		ReturnToInventory: req.ReturnToInventory,
		Reason:            reason,
		CreatedBy:         actorID,
		Items:             req.Items,
	}

	err := s.withTx(ctx, "create_refund", func(ctx context.Context, tx *ledgerTx) error {
		var status string
		var total decimal.Decimal
		var customerID, invoiceID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT status, total_amount, customer_id, invoice_id
			FROM sales
			WHERE id = $1
			FOR UPDATE
		`, saleID).Scan(&status, &total, &customerID, &invoiceID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("sale", saleID)
		}
		if err != nil {
			return err
		}
		if status == domain.SaleStatusVoid {
			return store.AlreadyVoided("sale", saleID)
		}
		refund.CustomerID = customerID.String
		refund.InvoiceID = invoiceID.String

		var priorRefunds decimal.Decimal
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(refund_amount), 0) FROM refunds WHERE sale_id = $1
		`, saleID).Scan(&priorRefunds); err != nil {
			return err
		}
		if req.RefundAmount.GreaterThan(total.Sub(priorRefunds).Add(domain.MoneyEpsilon)) {
			return store.Validation("refund amount %s exceeds refundable %s", req.RefundAmount, total.Sub(priorRefunds))
		}

		lines, err := loadRefundableLinesTx(ctx, tx, saleID)
		if err != nil {
			return err
		}

		number, err := s.nextDocumentNumberTx(ctx, tx, prefixRefund)
		if err != nil {
			return err
		}
		refund.RefundNumber = number
		refund.CreatedAt = s.now()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO refunds (
				id, refund_number, sale_id, refund_amount, return_to_inventory, reason, invoice_id, created_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, refund.ID, refund.RefundNumber, saleID, refund.RefundAmount, refund.ReturnToInventory, refund.Reason,
			nullIfEmpty(refund.InvoiceID), actorID, refund.CreatedAt)
		if err != nil {
			return err
		}

		for _, item := range req.Items {
			line, ok := lines[item.SaleItemID]
			if !ok {
				return store.Validation("sale item %s does not belong to sale %s", item.SaleItemID, saleID)
			}
			available := line.quantity.Sub(line.refunded)
			if item.Quantity.GreaterThan(available.Add(domain.QuantityEpsilon)) {
				return store.Validation("sale item %s: refund quantity %s exceeds refundable %s", item.SaleItemID, item.Quantity, available)
			}
			if err := s.refundLineTx(ctx, tx, refund, line, item.Quantity); err != nil {
				return err
			}
			line.refunded = line.refunded.Add(item.Quantity)
		}

		if refund.InvoiceID != "" && refund.RefundAmount.IsPositive() {
			if _, err := s.applyRefundTx(ctx, tx, refund.InvoiceID, refund.RefundAmount, actorID); err != nil {
				return err
			}
		}

		refund.SaleStatus = status
		if fullyRefunded(lines) {
			refund.SaleStatus = domain.SaleStatusRefunded
			if _, err := tx.ExecContext(ctx, `
				UPDATE sales SET status = 'REFUNDED', updated_at = $2 WHERE id = $1
			`, saleID, refund.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func loadRefundableLinesTx(ctx context.Context, tx *ledgerTx, saleID string) (map[string]*refundableLine, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, item_type, quantity, refunded_quantity
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
		FOR UPDATE
	`, saleID)
	if err != nil {
		return nil, err
	}
	lines := make(map[string]*refundableLine, 8)
	for rows.Next() {
		line := &refundableLine{}
		if err := rows.Scan(&line.id, &line.itemType, &line.quantity, &line.refunded); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines[line.id] = line
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	return lines, nil
}

func (s *Store) refundLineTx(ctx context.Context, tx *ledgerTx, refund *domain.Refund, line *refundableLine, quantity decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE sale_items SET refunded_quantity = refunded_quantity + $2 WHERE id = $1
	`, line.id, quantity); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refund_items (id, refund_id, sale_item_id, quantity)
		VALUES ($1, $2, $3, $4)
	`, xid.New("rfi"), refund.ID, line.id, quantity); err != nil {
		return err
	}

	if line.itemType != domain.ItemTypeProduct {
		return nil
	}

	allocations, err := loadOutstandingAllocationsTx(ctx, tx, refund.SaleID, line.id)
	if err != nil {
		return err
	}
	remaining := quantity
	for _, alloc := range allocations {
		if !remaining.IsPositive() {
			break
		}
		take := domain.MinDecimal(remaining, alloc.outstanding)
		if refund.ReturnToInventory {
			err = s.returnAllocationTx(ctx, tx, alloc, take, domain.ReferenceRefund, refund.ID, refund.CreatedBy)
		} else {
			err = writeOffAllocationTx(ctx, tx, alloc, take)
		}
		if err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	return nil
}

// writeOffAllocationTx settles refunded quantity that stays out of stock
// (damaged, kept by the customer) so a later void does not restock it.
func writeOffAllocationTx(ctx context.Context, tx *ledgerTx, alloc saleAllocation, quantity decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sale_item_allocations
		SET written_off_quantity = written_off_quantity + $2
		WHERE id = $1
	`, alloc.id, quantity)
	return err
}

func fullyRefunded(lines map[string]*refundableLine) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if line.refunded.Add(domain.QuantityEpsilon).LessThan(line.quantity) {
			return false
		}
	}
	return true
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID, notes, invoiceID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_number, customer_id, cashier_id, subtotal, tax_amount, discount_total,
			total_amount, total_cost, profit, payment_method, amount_paid, change_amount,
			status, notes, invoice_id, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(
		&sale.ID, &sale.SaleNumber, &customerID, &sale.CashierID, &sale.Subtotal, &sale.TaxAmount, &sale.DiscountTotal,
		&sale.TotalAmount, &sale.TotalCost, &sale.Profit, &sale.PaymentMethod, &sale.AmountPaid, &sale.ChangeAmount,
		&sale.Status, &notes, &invoiceID, &sale.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("sale", saleID)
	}
	if err != nil {
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.Notes = notes.String
	sale.InvoiceID = invoiceID.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, line_no, item_type, COALESCE(product_id, ''), description, quantity, unit_price, unit_cost,
			discount_amount, line_total, profit, COALESCE(batch_id, ''), refunded_quantity
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Items = make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(
			&item.ID, &item.LineNo, &item.ItemType, &item.ProductID, &item.Description, &item.Quantity, &item.UnitPrice,
			&item.UnitCost, &item.DiscountAmount, &item.LineTotal, &item.Profit, &item.BatchID, &item.RefundedQuantity,
		); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

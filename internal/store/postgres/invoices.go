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

// createInvoiceForSaleTx opens the receivable for an underpaid customer sale.
// What was paid at the till is recorded as the invoice's first payment so
// that amount_paid always equals the sum of its payment rows.
func (s *Store) createInvoiceForSaleTx(ctx context.Context, tx *ledgerTx, sale *domain.Sale) (string, error) {
	number, err := s.nextDocumentNumberTx(ctx, tx, prefixInvoice)
	if err != nil {
		return "", err
	}

	now := s.now()
	paid := domain.MinDecimal(sale.AmountPaid, sale.TotalAmount)
	invoice := domain.Invoice{
		ID:            xid.New("inv"),
		InvoiceNumber: number,
		CustomerID:    sale.CustomerID,
		SaleID:        sale.ID,
		IssueDate:     now,
		DueDate:       now.AddDate(0, 0, s.invoiceDueDays),
		TotalAmount:   sale.TotalAmount,
		AmountPaid:    paid,
		AmountDue:     sale.TotalAmount.Sub(paid),
		Status:        domain.InvoiceStatusFor(sale.TotalAmount, paid),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, customer_id, sale_id, issue_date, due_date,
			total_amount, amount_paid, amount_due, status, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, invoice.ID, invoice.InvoiceNumber, invoice.CustomerID, invoice.SaleID, invoice.IssueDate, invoice.DueDate,
		invoice.TotalAmount, invoice.AmountPaid, invoice.AmountDue, invoice.Status, now)
	if err != nil {
		return "", err
	}

	if paid.IsPositive() {
		if _, err := s.insertPaymentTx(ctx, tx, invoice, paid, sale.PaymentMethod, sale.CashierID); err != nil {
			return "", err
		}
	}
	return invoice.ID, nil
}

func (s *Store) insertPaymentTx(ctx context.Context, tx *ledgerTx, invoice domain.Invoice, amount decimal.Decimal, method string, actorID string) (*domain.InvoicePayment, error) {
	number, err := s.nextDocumentNumberTx(ctx, tx, prefixPayment)
	if err != nil {
		return nil, err
	}
	payment := &domain.InvoicePayment{
		ID:            xid.New("pay"),
		ReceiptNumber: number,
		InvoiceID:     invoice.ID,
		CustomerID:    invoice.CustomerID,
		Amount:        amount,
		PaymentMethod: method,
		ReceivedBy:    actorID,
		PaidAt:        s.now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoice_payments (id, receipt_number, invoice_id, amount, payment_method, received_by, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.ID, payment.ReceiptNumber, payment.InvoiceID, payment.Amount, payment.PaymentMethod,
		payment.ReceivedBy, payment.PaidAt)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func lockInvoiceTx(ctx context.Context, tx *ledgerTx, invoiceID string) (domain.Invoice, error) {
	var inv domain.Invoice
	var saleID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, invoice_number, customer_id, sale_id, issue_date, due_date,
			total_amount, amount_paid, amount_due, status
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, invoiceID).Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &saleID, &inv.IssueDate, &inv.DueDate,
		&inv.TotalAmount, &inv.AmountPaid, &inv.AmountDue, &inv.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, store.NotFound("invoice", invoiceID)
	}
	if err != nil {
		return inv, err
	}
	inv.SaleID = saleID.String
	return inv, nil
}

func (s *Store) settleInvoiceTx(ctx context.Context, tx *ledgerTx, inv *domain.Invoice, credit decimal.Decimal) error {
	inv.AmountPaid = inv.AmountPaid.Add(credit)
	inv.AmountDue = decimal.Max(inv.TotalAmount.Sub(inv.AmountPaid), decimal.Zero)
	inv.Status = domain.InvoiceStatusFor(inv.TotalAmount, inv.AmountPaid)

	_, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET amount_paid = $2, amount_due = $3, status = $4, updated_at = $5
		WHERE id = $1
	`, inv.ID, inv.AmountPaid, inv.AmountDue, inv.Status, s.now())
	return err
}

// applyRefundTx credits a refund against what the customer still owes.
// Credit beyond the outstanding amount is not recorded on the invoice.
func (s *Store) applyRefundTx(ctx context.Context, tx *ledgerTx, invoiceID string, refundAmount decimal.Decimal, actorID string) (decimal.Decimal, error) {
	inv, err := lockInvoiceTx(ctx, tx, invoiceID)
	if err != nil {
		return decimal.Zero, err
	}
	if inv.Status == domain.InvoiceStatusCancelled {
		return decimal.Zero, nil
	}

	credit := domain.MinDecimal(refundAmount, inv.AmountDue)
	if !credit.IsPositive() {
		return decimal.Zero, nil
	}
	if err := s.settleInvoiceTx(ctx, tx, &inv, credit); err != nil {
		return decimal.Zero, err
	}
	if _, err := s.insertPaymentTx(ctx, tx, inv, credit, domain.PaymentMethodRefundCredit, actorID); err != nil {
		return decimal.Zero, err
	}
	return credit, nil
}

// ApplyPayment records a later customer payment against an open invoice.
func (s *Store) ApplyPayment(ctx context.Context, invoiceID string, actorID string, req domain.InvoicePaymentRequest) (*domain.InvoicePayment, error) {
	if !req.Amount.IsPositive() {
		return nil, store.Validation("payment amount must be positive")
	}
	if req.PaymentMethod == "" {
		return nil, store.Validation("payment method is required")
	}

	var payment *domain.InvoicePayment
	err := s.withTx(ctx, "apply_payment", func(ctx context.Context, tx *ledgerTx) error {
		inv, err := lockInvoiceTx(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		switch {
		case inv.Status == domain.InvoiceStatusCancelled:
			return store.InvalidState("invoice", invoiceID, "invoice is cancelled")
		case inv.AmountDue.LessThanOrEqual(domain.MoneyEpsilon):
			return store.InvalidState("invoice", invoiceID, "invoice is already paid")
		case req.Amount.GreaterThan(inv.AmountDue.Add(domain.MoneyEpsilon)):
			return store.Validation("payment %s exceeds amount due %s", req.Amount, inv.AmountDue)
		}

		amount := domain.MinDecimal(req.Amount, inv.AmountDue)
		if err := s.settleInvoiceTx(ctx, tx, &inv, amount); err != nil {
			return err
		}
		payment, err = s.insertPaymentTx(ctx, tx, inv, amount, req.PaymentMethod, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// DeriveCustomerBalance sums amount_due over the customer's live invoices.
// Nothing else stores a balance.
func (s *Store) DeriveCustomerBalance(ctx context.Context, customerID string) (domain.CustomerBalance, error) {
	balance := domain.CustomerBalance{CustomerID: customerID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(i.amount_due), 0), COUNT(i.id) FILTER (WHERE i.amount_due > 0)
		FROM customers c
		LEFT JOIN invoices i ON i.customer_id = c.id AND i.status <> 'CANCELLED'
		WHERE c.id = $1
		GROUP BY c.id
	`, customerID).Scan(&balance.Balance, &balance.OpenInvoices)
	if errors.Is(err, sql.ErrNoRows) {
		return balance, store.NotFound("customer", customerID)
	}
	if err != nil {
		return balance, err
	}
	return balance, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	var saleID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_number, customer_id, sale_id, issue_date, due_date,
			total_amount, amount_paid, amount_due, status
		FROM invoices
		WHERE id = $1
	`, invoiceID).Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &saleID, &inv.IssueDate, &inv.DueDate,
		&inv.TotalAmount, &inv.AmountPaid, &inv.AmountDue, &inv.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("invoice", invoiceID)
	}
	if err != nil {
		return nil, err
	}
	inv.SaleID = saleID.String
	inv.IssueDate = inv.IssueDate.UTC()
	inv.DueDate = inv.DueDate.UTC()
	return &inv, nil
}

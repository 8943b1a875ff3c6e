package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T, opts Options) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewWithDB(db, opts)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func expectProductLock(mock sqlmock.Sqlmock, productID string, onHand string, cost string) {
	mock.ExpectQuery(q("SELECT quantity_on_hand, cost_price")).
		WithArgs(productID).
		WillReturnRows(sqlmock.NewRows([]string{"quantity_on_hand", "cost_price"}).AddRow(onHand, cost))
}

func TestConsumeTxWalksBatchesInFEFOOrder(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "13", "1000")
	mock.ExpectQuery(q("FROM inventory_batches")).
		WithArgs("prod-1", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_quantity"}).
			AddRow("bat-e1", "3").
			AddRow("bat-e2", "10"))
	mock.ExpectExec(q("UPDATE inventory_batches")).
		WithArgs("bat-e1", "3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE inventory_batches")).
		WithArgs("bat-e2", "2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE products p")).
		WithArgs("prod-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var result domain.ConsumeResult
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		result, err = s.consumeTx(ctx, tx, "prod-1", dec("5"), "")
		return err
	})
	require.NoError(t, err)

	require.Len(t, result.BatchesUsed, 2)
	assert.Equal(t, "bat-e1", result.BatchesUsed[0].BatchID)
	assert.True(t, result.BatchesUsed[0].Quantity.Equal(dec("3")))
	assert.Equal(t, "bat-e2", result.BatchesUsed[1].BatchID)
	assert.True(t, result.BatchesUsed[1].Quantity.Equal(dec("2")))
	assert.True(t, result.Shortfall.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeTxSkipsBatchThatNoLongerHoldsEnough(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "10", "1000")
	mock.ExpectQuery(q("FROM inventory_batches")).
		WithArgs("prod-1", "bat-pref").
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_quantity"}).
			AddRow("bat-pref", "4").
			AddRow("bat-next", "6"))
	mock.ExpectExec(q("UPDATE inventory_batches")).
		WithArgs("bat-pref", "4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("UPDATE inventory_batches")).
		WithArgs("bat-next", "4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE products p")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var result domain.ConsumeResult
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		result, err = s.consumeTx(ctx, tx, "prod-1", dec("4"), "bat-pref")
		return err
	})
	require.NoError(t, err)
	require.Len(t, result.BatchesUsed, 1)
	assert.Equal(t, "bat-next", result.BatchesUsed[0].BatchID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeTxShortfallRollsBack(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "4", "1000")
	mock.ExpectQuery(q("FROM inventory_batches")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_quantity"}).
			AddRow("bat-1", "4"))
	mock.ExpectExec(q("UPDATE inventory_batches")).
		WithArgs("bat-1", "4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		_, err := s.consumeTx(ctx, tx, "prod-1", dec("6"), "")
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var ledgerErr *store.LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.True(t, ledgerErr.Shortfall.Equal(dec("2")), "shortfall %s", ledgerErr.Shortfall)
	assert.Equal(t, "prod-1", ledgerErr.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeTxFallsBackToCounterWithoutBatches(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "svc-1", "5", "1000")
	mock.ExpectQuery(q("FROM inventory_batches")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_quantity"}))
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM inventory_batches")).
		WithArgs("svc-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(q("SET quantity_on_hand = quantity_on_hand - $2")).
		WithArgs("svc-1", "2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var result domain.ConsumeResult
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		result, err = s.consumeTx(ctx, tx, "svc-1", dec("2"), "")
		return err
	})
	require.NoError(t, err)
	require.Len(t, result.BatchesUsed, 1)
	assert.Empty(t, result.BatchesUsed[0].BatchID)
	assert.True(t, result.BatchesUsed[0].Quantity.Equal(dec("2")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeTxCounterShortfall(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-2", "2", "1000")
	mock.ExpectQuery(q("FROM inventory_batches")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_quantity"}))
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM inventory_batches")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(q("SET quantity_on_hand = quantity_on_hand - $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT quantity_on_hand FROM products")).
		WithArgs("prod-2").
		WillReturnRows(sqlmock.NewRows([]string{"quantity_on_hand"}).AddRow("2"))
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		_, err := s.consumeTx(ctx, tx, "prod-2", dec("5"), "")
		return err
	})

	var ledgerErr *store.LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, store.KindInsufficientStock, ledgerErr.Kind)
	assert.True(t, ledgerErr.Shortfall.Equal(dec("3")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReturnTxClampsAtInitialQuantity(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "8", "1000")
	mock.ExpectQuery(q("SELECT initial_quantity, remaining_quantity")).
		WithArgs("bat-1", "prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"initial_quantity", "remaining_quantity"}).AddRow("10", "8"))
	mock.ExpectExec(q("SET remaining_quantity = $2")).
		WithArgs("bat-1", "10", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE products p")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var applied decimal.Decimal
	var batchID string
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		applied, batchID, err = s.returnTx(ctx, tx, "prod-1", "bat-1", dec("5"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, applied.Equal(dec("2")), "applied %s", applied)
	assert.Equal(t, "bat-1", batchID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReturnTxUnknownBatch(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "0", "1000")
	mock.ExpectQuery(q("SELECT initial_quantity, remaining_quantity")).
		WillReturnRows(sqlmock.NewRows([]string{"initial_quantity", "remaining_quantity"}))
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		_, _, err := s.returnTx(ctx, tx, "prod-1", "bat-missing", dec("1"))
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextDocumentNumberUsesCounterRow(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO document_sequences")).
		WithArgs("SALE", 2025).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(int64(7)))
	mock.ExpectCommit()

	var number string
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		number, err = s.nextDocumentNumberTx(ctx, tx, prefixSale)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "SALE-2025-0007", number)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMovementNumbersFromGlobalCounter(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(q("INSERT INTO document_sequences")).
		WithArgs("MOV", 0).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(int64(41)))
	mock.ExpectExec(q("INSERT INTO stock_movements")).
		WithArgs(sqlmock.AnyArg(), int64(41), "prod-1", "bat-1", domain.MovementSale, "-3",
			domain.ReferenceSale, "sale-1", "cashier", nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var recorded *ledgerTx
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		recorded = tx
		return s.recordMovementTx(tx, domain.StockMovement{
			ProductID:     "prod-1",
			BatchID:       "bat-1",
			MovementType:  domain.MovementSale,
			Quantity:      dec("-3"),
			ReferenceType: domain.ReferenceSale,
			ReferenceID:   "sale-1",
			ActorID:       "cashier",
		})
	})
	require.NoError(t, err)
	require.Len(t, recorded.movements, 1)
	assert.Equal(t, int64(41), recorded.movements[0].MovementNumber)
	assert.NotEmpty(t, recorded.movements[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMovementRejectsUnknownType(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		return s.recordMovementTx(tx, domain.StockMovement{
			ProductID:    "prod-1",
			MovementType: "SHRINKAGE",
			Quantity:     dec("1"),
		})
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxSetsLockTimeoutAndTranslatesDeadlock(t *testing.T) {
	s, mock := newMockStore(t, Options{LockTimeout: 2 * time.Second})

	mock.ExpectBegin()
	mock.ExpectExec(q("SET LOCAL lock_timeout = '2000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateError(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := translateError(&pgconn.PgError{Code: code})
		assert.ErrorIs(t, err, store.ErrConcurrencyConflict, code)
	}

	unique := &pgconn.PgError{Code: "23505"}
	assert.Same(t, unique, translateError(unique))
	assert.True(t, isUniqueViolation(unique))

	notFound := store.NotFound("sale", "s-1")
	assert.Same(t, notFound, translateError(notFound))
	assert.NoError(t, translateError(nil))
}

func TestFinalizeGoodsReceiptRejectsSecondFinalize(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE goods_receipts")).
		WithArgs("gr-1", "manager", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM goods_receipts")).
		WithArgs("gr-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(domain.GoodsReceiptStatusCompleted))
	mock.ExpectRollback()

	result, err := s.FinalizeGoodsReceipt(context.Background(), "gr-1", "manager")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, store.ErrAlreadyFinalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeGoodsReceiptUnknownReceipt(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE goods_receipts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM goods_receipts")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := s.FinalizeGoodsReceipt(context.Background(), "gr-missing", "manager")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoidSaleTwiceIsAlreadyVoided(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(q("SET status = 'VOID'")).
		WithArgs("sale-1", sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM sales")).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(domain.SaleStatusVoid))
	mock.ExpectRollback()

	_, err := s.VoidSale(context.Background(), "sale-1", "manager", domain.VoidSaleRequest{Reason: "wrong till"})
	assert.ErrorIs(t, err, store.ErrAlreadyVoided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSaleValidationHappensBeforeTransaction(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	_, err := s.CreateSale(context.Background(), "cashier", domain.SaleRequest{
		PaymentMethod: "CASH",
		TotalAmount:   dec("100"),
		AmountPaid:    dec("40"),
		Items: []domain.SaleItemRequest{
			{ItemType: domain.ItemTypeProduct, ProductID: "prod-1", Quantity: dec("1")},
		},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Contains(t, err.Error(), "customer")

	_, err = s.CreateSale(context.Background(), "cashier", domain.SaleRequest{
		PaymentMethod: "CASH",
		Items:         []domain.SaleItemRequest{{ItemType: domain.ItemTypeProduct, Quantity: dec("1")}},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPaymentAboveAmountDue(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM invoices")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_number", "customer_id", "sale_id", "issue_date", "due_date",
			"total_amount", "amount_paid", "amount_due", "status",
		}).AddRow("inv-1", "INV-2025-0001", "cust-1", "sale-1", fixedNow, fixedNow.AddDate(0, 0, 30),
			"100000", "40000", "60000", domain.InvoiceStatusPartiallyPaid))
	mock.ExpectRollback()

	_, err := s.ApplyPayment(context.Background(), "inv-1", "cashier", domain.InvoicePaymentRequest{
		Amount:        dec("70000"),
		PaymentMethod: "CASH",
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveCustomerBalanceUnknownCustomer(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectQuery(q("FROM customers c")).
		WithArgs("cust-x").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "open_invoices"}))

	_, err := s.DeriveCustomerBalance(context.Background(), "cust-x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveCustomerBalanceSumsOpenInvoices(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectQuery(q("FROM customers c")).
		WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "open_invoices"}).AddRow("60000.00", int64(2)))

	balance, err := s.DeriveCustomerBalance(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(dec("60000")))
	assert.Equal(t, 2, balance.OpenInvoices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeTxUnknownProductTakesNoBatchLocks(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT quantity_on_hand, cost_price")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"quantity_on_hand", "cost_price"}))
	mock.ExpectRollback()

	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		_, err := s.consumeTx(ctx, tx, "ghost", dec("1"), "")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterReturnAfterBatchesStartedIsTracedToOpeningLot(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "0", "1000")
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM inventory_batches")).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	expectProductLock(mock, "prod-1", "0", "1000")
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM inventory_batches")).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("INSERT INTO inventory_batches")).
		WithArgs(sqlmock.AnyArg(), "prod-1", openingBatchNumber, "2", "1000", nil, fixedNow, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bat-open"))
	mock.ExpectExec(q("UPDATE products p")).
		WithArgs("prod-1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET returned_quantity = returned_quantity + $2")).
		WithArgs("alc-1", "2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO document_sequences")).
		WithArgs("MOV", 0).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(int64(12)))
	mock.ExpectExec(q("INSERT INTO stock_movements")).
		WithArgs(sqlmock.AnyArg(), int64(12), "prod-1", "bat-open", domain.MovementReturn, "2",
			domain.ReferenceVoid, "sale-1", "manager", nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	alloc := saleAllocation{id: "alc-1", productID: "prod-1", outstanding: dec("2")}
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		return s.returnAllocationTx(ctx, tx, alloc, dec("2"), domain.ReferenceVoid, "sale-1", "manager")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveItemStoresNewCostOnDrift(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	expectProductLock(mock, "prod-1", "10", "1000")
	mock.ExpectQuery(q("SELECT EXISTS (SELECT 1 FROM inventory_batches")).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("INSERT INTO inventory_batches")).
		WithArgs(sqlmock.AnyArg(), "prod-1", "LOT-9", "5", "1200", nil, fixedNow, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bat-9"))
	mock.ExpectExec(q("UPDATE products p")).
		WithArgs("prod-1", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT cost_price FROM products")).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"cost_price"}).AddRow("1000"))
	mock.ExpectExec(q("UPDATE products SET cost_price = $2")).
		WithArgs("prod-1", "1200", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO document_sequences")).
		WithArgs("MOV", 0).
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(int64(3)))
	mock.ExpectExec(q("INSERT INTO stock_movements")).
		WithArgs(sqlmock.AnyArg(), int64(3), "prod-1", "bat-9", domain.MovementGoodsReceipt, "5",
			domain.ReferenceGoodsReceipt, "gr-1", "manager", nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	receipt := &domain.GoodsReceipt{ID: "gr-1", ReceiptNumber: "GR-2025-0001", ReceivedDate: fixedNow}
	item := domain.GoodsReceiptItem{LineNo: 1, ProductID: "prod-1", Quantity: dec("5"), UnitCost: dec("1200"), BatchNumber: "LOT-9"}

	var alert *domain.CostAlert
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		var err error
		alert, err = s.receiveItemTx(ctx, tx, receipt, item, "manager")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.True(t, alert.OldCostPrice.Equal(dec("1000")))
	assert.True(t, alert.NewCostPrice.Equal(dec("1200")))
	assert.True(t, alert.PercentChange.Equal(dec("20")), "percent %s", alert.PercentChange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundWithoutRestockWritesAllocationsOff(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE sale_items SET refunded_quantity")).
		WithArgs("sli-1", "6").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO refund_items")).
		WithArgs(sqlmock.AnyArg(), "ref-1", "sli-1", "6").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("FROM sale_item_allocations a")).
		WithArgs("sale-1", "sli-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "batch_id", "outstanding"}).
			AddRow("alc-2", "prod-1", "bat-2", "4").
			AddRow("alc-1", "prod-1", "bat-1", "6"))
	mock.ExpectExec(q("SET written_off_quantity = written_off_quantity + $2")).
		WithArgs("alc-2", "4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET written_off_quantity = written_off_quantity + $2")).
		WithArgs("alc-1", "2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	refund := &domain.Refund{ID: "ref-1", SaleID: "sale-1", CreatedBy: "manager"}
	line := &refundableLine{id: "sli-1", itemType: domain.ItemTypeProduct, quantity: dec("10"), refunded: decimal.Zero}
	err := s.withTx(context.Background(), "test", func(ctx context.Context, tx *ledgerTx) error {
		return s.refundLineTx(ctx, tx, refund, line, dec("6"))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package store

import (
	"context"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
)

// Ledger is the transactional core. Every mutating call runs in exactly one
// database transaction: it either commits all of its rows or none of them.
type Ledger interface {
	CreateSale(ctx context.Context, cashierID string, req domain.SaleRequest) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, actorID string, req domain.VoidSaleRequest) (*domain.Sale, error)
	CreateRefund(ctx context.Context, saleID string, actorID string, req domain.RefundRequest) (*domain.Refund, error)

	GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ApplyPayment(ctx context.Context, invoiceID string, actorID string, req domain.InvoicePaymentRequest) (*domain.InvoicePayment, error)
	DeriveCustomerBalance(ctx context.Context, customerID string) (domain.CustomerBalance, error)

	CreatePurchaseOrder(ctx context.Context, actorID string, req domain.PurchaseOrderCreateRequest) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)

	CreateGoodsReceipt(ctx context.Context, actorID string, receipt domain.GoodsReceipt) (*domain.GoodsReceipt, error)
	GetGoodsReceipt(ctx context.Context, receiptID string) (*domain.GoodsReceipt, error)
	FinalizeGoodsReceipt(ctx context.Context, receiptID string, actorID string) (*domain.FinalizeResult, error)

	ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	Close() error
}

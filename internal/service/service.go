package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/cache"
	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/logger"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
)

// ErrActorRequired is returned by mutating calls made without an
// authenticated actor on the context.
var ErrActorRequired = errors.New("authenticated actor required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	ledger     store.Ledger
	balances   cache.BalanceCache
	balanceTTL time.Duration
	logger     *zap.Logger
}

func New(ledger store.Ledger, balances cache.BalanceCache, balanceTTL time.Duration, log *zap.Logger) *Service {
	if balances == nil {
		balances = cache.NoopBalanceCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		ledger:     ledger,
		balances:   balances,
		balanceTTL: balanceTTL,
		logger:     log,
	}
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req = normalizeSaleRequest(req)
	sale, err := s.ledger.CreateSale(ctx, actor.Username, req)
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, sale.CustomerID)
	s.logAudit(ctx, "sale_create", "sale", sale.ID,
		zap.String("sale_number", sale.SaleNumber),
		zap.String("total", sale.TotalAmount.String()),
		zap.String("invoice_id", sale.InvoiceID),
	)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.ledger.GetSale(ctx, strings.TrimSpace(saleID))
}

func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidSaleRequest) (*domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.Reason = strings.TrimSpace(req.Reason)
	req.Notes = strings.TrimSpace(req.Notes)
	sale, err := s.ledger.VoidSale(ctx, strings.TrimSpace(saleID), actor.Username, req)
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, sale.CustomerID)
	s.logAudit(ctx, "sale_void", "sale", sale.ID, zap.String("reason", req.Reason))
	return sale, nil
}

func (s *Service) CreateRefund(ctx context.Context, saleID string, req domain.RefundRequest) (*domain.Refund, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.Reason = strings.TrimSpace(req.Reason)
	req.Items = mergeRefundItems(req.Items)
	refund, err := s.ledger.CreateRefund(ctx, strings.TrimSpace(saleID), actor.Username, req)
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, refund.CustomerID)
	s.logAudit(ctx, "sale_refund", "sale", refund.SaleID,
		zap.String("refund_number", refund.RefundNumber),
		zap.String("amount", refund.RefundAmount.String()),
		zap.Bool("return_to_inventory", refund.ReturnToInventory),
	)
	return refund, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	return s.ledger.GetInvoice(ctx, strings.TrimSpace(invoiceID))
}

func (s *Service) ApplyPayment(ctx context.Context, invoiceID string, req domain.InvoicePaymentRequest) (*domain.InvoicePayment, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.PaymentMethod = normalizePaymentMethod(req.PaymentMethod)
	if req.PaymentMethod == domain.PaymentMethodRefundCredit {
		return nil, store.Validation("payment method %s is reserved for refunds", domain.PaymentMethodRefundCredit)
	}
	payment, err := s.ledger.ApplyPayment(ctx, strings.TrimSpace(invoiceID), actor.Username, req)
	if err != nil {
		return nil, err
	}

	s.invalidateBalance(ctx, payment.CustomerID)
	s.logAudit(ctx, "invoice_payment", "invoice", payment.InvoiceID,
		zap.String("receipt_number", payment.ReceiptNumber),
		zap.String("amount", payment.Amount.String()),
	)
	return payment, nil
}

// CustomerBalance answers from the balance cache when it holds an entry and
// derives from open invoices otherwise. The derived value is cached only if
// no invoice write invalidated the customer while it was being read.
func (s *Service) CustomerBalance(ctx context.Context, customerID string) (domain.CustomerBalance, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CustomerBalance{}, store.Validation("customer id is required")
	}

	if cached, ok, err := s.balances.Get(ctx, customerID); err != nil {
		s.log(ctx).Warn("balance cache read failed", zap.String("customer_id", customerID), zap.Error(err))
	} else if ok {
		cached.Cached = true
		return *cached, nil
	}

	generation, genErr := s.balances.Generation(ctx, customerID)
	if genErr != nil {
		s.log(ctx).Warn("balance cache read failed", zap.String("customer_id", customerID), zap.Error(genErr))
	}

	balance, err := s.ledger.DeriveCustomerBalance(ctx, customerID)
	if err != nil {
		return domain.CustomerBalance{}, err
	}
	if genErr != nil {
		return balance, nil
	}
	if err := s.balances.Set(ctx, balance, generation, s.balanceTTL); err != nil {
		s.log(ctx).Warn("balance cache write failed", zap.String("customer_id", customerID), zap.Error(err))
	}
	return balance, nil
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (*domain.PurchaseOrder, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	req.SupplierID = strings.TrimSpace(req.SupplierID)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}
	po, err := s.ledger.CreatePurchaseOrder(ctx, actor.Username, req)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "purchase_order_create", "purchase_order", po.ID,
		zap.String("order_number", po.OrderNumber),
		zap.String("status", po.Status),
	)
	return po, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return s.ledger.GetPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID))
}

func (s *Service) CreateGoodsReceipt(ctx context.Context, receipt domain.GoodsReceipt) (*domain.GoodsReceipt, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	receipt.SupplierID = strings.TrimSpace(receipt.SupplierID)
	receipt.PurchaseOrderID = strings.TrimSpace(receipt.PurchaseOrderID)
	receipt.Notes = strings.TrimSpace(receipt.Notes)
	for i := range receipt.Items {
		item := &receipt.Items[i]
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.BatchNumber = strings.ToUpper(strings.TrimSpace(item.BatchNumber))
	}
	created, err := s.ledger.CreateGoodsReceipt(ctx, actor.Username, receipt)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "goods_receipt_create", "goods_receipt", created.ID, zap.String("receipt_number", created.ReceiptNumber))
	return created, nil
}

func (s *Service) GetGoodsReceipt(ctx context.Context, receiptID string) (*domain.GoodsReceipt, error) {
	return s.ledger.GetGoodsReceipt(ctx, strings.TrimSpace(receiptID))
}

func (s *Service) FinalizeGoodsReceipt(ctx context.Context, receiptID string) (*domain.FinalizeResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.FinalizeGoodsReceipt(ctx, strings.TrimSpace(receiptID), actor.Username)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "goods_receipt_finalize", "goods_receipt", result.Receipt.ID,
		zap.String("receipt_number", result.Receipt.ReceiptNumber),
		zap.Int("items", len(result.Receipt.Items)),
		zap.Int("cost_alerts", len(result.CostAlerts)),
	)
	return result, nil
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, store.Validation("product id is required")
	}
	return s.ledger.ListMovements(ctx, productID, limit)
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, ErrActorRequired
	}
	return actor, nil
}

func normalizeSaleRequest(req domain.SaleRequest) domain.SaleRequest {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PaymentMethod = normalizePaymentMethod(req.PaymentMethod)
	req.Notes = strings.TrimSpace(req.Notes)

	items := make([]domain.SaleItemRequest, len(req.Items))
	for i, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Description = strings.TrimSpace(item.Description)
		item.PreferredBatchID = strings.TrimSpace(item.PreferredBatchID)
		item.ItemType = strings.ToUpper(strings.TrimSpace(item.ItemType))
		if item.ItemType == "" {
			item.ItemType = domain.ItemTypeCustom
			if item.ProductID != "" {
				item.ItemType = domain.ItemTypeProduct
			}
		}
		items[i] = item
	}
	req.Items = items
	return req
}

func normalizePaymentMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return "CASH"
	}
	return method
}

// mergeRefundItems folds repeated sale item ids into one line so the ledger
// sees a single requested quantity per item.
func mergeRefundItems(items []domain.RefundItemRequest) []domain.RefundItemRequest {
	merged := make([]domain.RefundItemRequest, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.SaleItemID = strings.TrimSpace(item.SaleItemID)
		if i, ok := index[item.SaleItemID]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(item.Quantity)
			continue
		}
		index[item.SaleItemID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func (s *Service) invalidateBalance(ctx context.Context, customerID string) {
	if customerID == "" {
		return
	}
	if err := s.balances.Invalidate(ctx, customerID); err != nil {
		s.log(ctx).Warn("balance cache invalidate failed", zap.String("customer_id", customerID), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	fields = append([]zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	}, fields...)
	s.log(ctx).Info("audit", fields...)
}

// log prefers the request-scoped logger so audit lines carry request and
// trace ids.
func (s *Service) log(ctx context.Context) *zap.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	return s.logger
}

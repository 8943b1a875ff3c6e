package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	QuantityOnHand decimal.Decimal `json:"quantity_on_hand"`
	Active         bool            `json:"active"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Customer intentionally carries no balance field. What a customer owes is
// derived from open invoices; see CustomerBalance.
type Customer struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone,omitempty"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	CreatedAt   time.Time       `json:"created_at"`
}

type CustomerBalance struct {
	CustomerID   string          `json:"customer_id"`
	Balance      decimal.Decimal `json:"balance"`
	OpenInvoices int             `json:"open_invoices"`
	Cached       bool            `json:"cached"`
}

type InventoryBatch struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	BatchNumber       string          `json:"batch_number"`
	InitialQuantity   decimal.Decimal `json:"initial_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	ReceivedDate      time.Time       `json:"received_date"`
	Status            string          `json:"status"`
}

// BatchUsage is one partial consumption taken from a batch. BatchID is empty
// when the product has no batches and the on-hand counter was decremented.
type BatchUsage struct {
	BatchID  string          `json:"batch_id,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
}

type ConsumeResult struct {
	BatchesUsed []BatchUsage    `json:"batches_used"`
	Shortfall   decimal.Decimal `json:"shortfall"`
}

type ReplenishRequest struct {
	ProductID    string
	BatchNumber  string
	Quantity     decimal.Decimal
	CostPrice    decimal.Decimal
	ExpiryDate   *time.Time
	ReceivedDate time.Time
}

type StockMovement struct {
	ID             string          `json:"id"`
	MovementNumber int64           `json:"movement_number"`
	ProductID      string          `json:"product_id"`
	BatchID        string          `json:"batch_id,omitempty"`
	MovementType   string          `json:"movement_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferenceType  string          `json:"reference_type"`
	ReferenceID    string          `json:"reference_id"`
	ActorID        string          `json:"actor_id"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Sale struct {
	ID            string          `json:"id"`
	SaleNumber    string          `json:"sale_number"`
	CustomerID    string          `json:"customer_id,omitempty"`
	CashierID     string          `json:"cashier_id"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Profit        decimal.Decimal `json:"profit"`
	PaymentMethod string          `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	ChangeAmount  decimal.Decimal `json:"change_amount"`
	Status        string          `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Items         []SaleItem      `json:"items"`
}

type SaleItem struct {
	ID               string          `json:"id"`
	LineNo           int             `json:"line_no"`
	ItemType         string          `json:"item_type"`
	ProductID        string          `json:"product_id,omitempty"`
	Description      string          `json:"description"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	LineTotal        decimal.Decimal `json:"line_total"`
	Profit           decimal.Decimal `json:"profit"`
	BatchID          string          `json:"batch_id,omitempty"`
	RefundedQuantity decimal.Decimal `json:"refunded_quantity"`
	PreferredBatchID string          `json:"preferred_batch_id,omitempty"`
	BatchesUsed      []BatchUsage    `json:"batches_used,omitempty"`
}

type SaleRequest struct {
	CustomerID    string            `json:"customer_id,omitempty"`
	PaymentMethod string            `json:"payment_method"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	TaxAmount     decimal.Decimal   `json:"tax_amount"`
	DiscountTotal decimal.Decimal   `json:"discount_total"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	TotalCost     decimal.Decimal   `json:"total_cost"`
	Profit        decimal.Decimal   `json:"profit"`
	AmountPaid    decimal.Decimal   `json:"amount_paid"`
	Notes         string            `json:"notes,omitempty"`
	Items         []SaleItemRequest `json:"items"`
}

type SaleItemRequest struct {
	ItemType         string          `json:"item_type"`
	ProductID        string          `json:"product_id,omitempty"`
	Description      string          `json:"description"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	LineTotal        decimal.Decimal `json:"line_total"`
	Profit           decimal.Decimal `json:"profit"`
	PreferredBatchID string          `json:"preferred_batch_id,omitempty"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason"`
	Notes      string `json:"notes"`
	ManagerPIN string `json:"manager_pin"`
}

type RefundRequest struct {
	Items             []RefundItemRequest `json:"items"`
	ReturnToInventory bool                `json:"return_to_inventory"`
	RefundAmount      decimal.Decimal     `json:"refund_amount"`
	Reason            string              `json:"reason"`
	ManagerPIN        string              `json:"manager_pin"`
}

type RefundItemRequest struct {
	SaleItemID string          `json:"sale_item_id"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type Refund struct {
	ID                string              `json:"id"`
	RefundNumber      string              `json:"refund_number"`
	SaleID            string              `json:"sale_id"`
	CustomerID        string              `json:"customer_id,omitempty"`
	RefundAmount      decimal.Decimal     `json:"refund_amount"`
	ReturnToInventory bool                `json:"return_to_inventory"`
	Reason            string              `json:"reason"`
	InvoiceID         string              `json:"invoice_id,omitempty"`
	SaleStatus        string              `json:"sale_status"`
	CreatedBy         string              `json:"created_by"`
	CreatedAt         time.Time           `json:"created_at"`
	Items             []RefundItemRequest `json:"items"`
}

type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	CustomerID    string          `json:"customer_id"`
	SaleID        string          `json:"sale_id,omitempty"`
	IssueDate     time.Time       `json:"issue_date"`
	DueDate       time.Time       `json:"due_date"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	Status        string          `json:"status"`
}

type InvoicePayment struct {
	ID            string          `json:"id"`
	ReceiptNumber string          `json:"receipt_number"`
	InvoiceID     string          `json:"invoice_id"`
	CustomerID    string          `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	ReceivedBy    string          `json:"received_by"`
	PaidAt        time.Time       `json:"paid_at"`
}

type InvoicePaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

type PurchaseOrder struct {
	ID          string              `json:"id"`
	OrderNumber string              `json:"order_number"`
	SupplierID  string              `json:"supplier_id"`
	Status      string              `json:"status"`
	CreatedBy   string              `json:"created_by"`
	CreatedAt   time.Time           `json:"created_at"`
	Items       []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderItem struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"product_id"`
	OrderedQuantity  decimal.Decimal `json:"ordered_quantity"`
	ReceivedQuantity decimal.Decimal `json:"received_quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string              `json:"supplier_id"`
	Send       bool                `json:"send"`
	Items      []PurchaseOrderItem `json:"items"`
}

type GoodsReceipt struct {
	ID              string             `json:"id"`
	ReceiptNumber   string             `json:"receipt_number"`
	PurchaseOrderID string             `json:"purchase_order_id,omitempty"`
	SupplierID      string             `json:"supplier_id"`
	Status          string             `json:"status"`
	ReceivedDate    time.Time          `json:"received_date"`
	CreatedBy       string             `json:"created_by"`
	FinalizedBy     string             `json:"finalized_by,omitempty"`
	FinalizedAt     *time.Time         `json:"finalized_at,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Items           []GoodsReceiptItem `json:"items"`
}

type GoodsReceiptItem struct {
	ID                  string          `json:"id"`
	LineNo              int             `json:"line_no"`
	ProductID           string          `json:"product_id"`
	PurchaseOrderItemID string          `json:"purchase_order_item_id,omitempty"`
	Quantity            decimal.Decimal `json:"quantity"`
	UnitCost            decimal.Decimal `json:"unit_cost"`
	BatchNumber         string          `json:"batch_number,omitempty"`
	ExpiryDate          *time.Time      `json:"expiry_date,omitempty"`
}

type CostAlert struct {
	ProductID     string          `json:"product_id"`
	OldCostPrice  decimal.Decimal `json:"old_cost_price"`
	NewCostPrice  decimal.Decimal `json:"new_cost_price"`
	PercentChange decimal.Decimal `json:"percent_change"`
}

type FinalizeResult struct {
	Receipt    GoodsReceipt `json:"receipt"`
	CostAlerts []CostAlert  `json:"cost_alerts"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	BatchStatusActive   = "ACTIVE"
	BatchStatusDepleted = "DEPLETED"
	BatchStatusExpired  = "EXPIRED"
)

const (
	MovementGoodsReceipt  = "GOODS_RECEIPT"
	MovementSale          = "SALE"
	MovementAdjustmentIn  = "ADJUSTMENT_IN"
	MovementAdjustmentOut = "ADJUSTMENT_OUT"
	MovementReturn        = "RETURN"
	MovementDamage        = "DAMAGE"
	MovementExpiry        = "EXPIRY"
	MovementTransferIn    = "TRANSFER_IN"
	MovementTransferOut   = "TRANSFER_OUT"
)

const (
	ReferenceSale         = "SALE"
	ReferenceVoid         = "VOID"
	ReferenceRefund       = "REFUND"
	ReferenceGoodsReceipt = "GOODS_RECEIPT"
)

const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusVoid      = "VOID"
	SaleStatusRefunded  = "REFUNDED"
)

const (
	ItemTypeProduct = "PRODUCT"
	ItemTypeService = "SERVICE"
	ItemTypeCustom  = "CUSTOM"
)

const (
	InvoiceStatusDraft         = "DRAFT"
	InvoiceStatusSent          = "SENT"
	InvoiceStatusPartiallyPaid = "PARTIALLY_PAID"
	InvoiceStatusPaid          = "PAID"
	InvoiceStatusOverdue       = "OVERDUE"
	InvoiceStatusCancelled     = "CANCELLED"
)

const (
	PurchaseOrderStatusDraft     = "DRAFT"
	PurchaseOrderStatusSent      = "SENT"
	PurchaseOrderStatusApproved  = "APPROVED"
	PurchaseOrderStatusPartial   = "PARTIAL"
	PurchaseOrderStatusReceived  = "RECEIVED"
	PurchaseOrderStatusCancelled = "CANCELLED"
)

const (
	GoodsReceiptStatusDraft     = "DRAFT"
	GoodsReceiptStatusCompleted = "COMPLETED"
	GoodsReceiptStatusCancelled = "CANCELLED"
)

// PaymentMethodRefundCredit marks an invoice payment row written by a refund
// rather than by money changing hands.
const PaymentMethodRefundCredit = "REFUND_CREDIT"

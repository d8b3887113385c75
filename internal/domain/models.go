package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     int             `json:"stock"`
	Category  string          `json:"category,omitempty"`
	Barcode   string          `json:"barcode,omitempty"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	SyncState SyncState       `json:"sync_state,omitempty"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     int             `json:"stock"`
	Category  string          `json:"category"`
	Barcode   string          `json:"barcode"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Stock     *int             `json:"stock,omitempty"`
	Category  *string          `json:"category,omitempty"`
	Barcode   *string          `json:"barcode,omitempty"`
}

type ProductResponse struct {
	Product     Product `json:"product"`
	OperationID string  `json:"operation_id"`
}

// SaleItem freezes the product name and price at the time of sale. Later
// edits or deletion of the product never change it.
type SaleItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

type Return struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	ReturnedAt time.Time `json:"returned_at"`
}

type Sale struct {
	ID             string          `json:"id"`
	InvoiceNumber  string          `json:"invoice_number"`
	InvoiceSeq     int64           `json:"invoice_seq"`
	Date           time.Time       `json:"date"`
	Items          []SaleItem      `json:"items"`
	Discount       decimal.Decimal `json:"discount"`
	DiscountKind   DiscountKind    `json:"discount_kind"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  string          `json:"payment_method"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Returns        []Return        `json:"returns"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SyncState      SyncState       `json:"sync_state,omitempty"`
}

// ReturnedQty sums returned quantities per product.
func (s Sale) ReturnedQty() map[string]int {
	returned := make(map[string]int, len(s.Returns))
	for _, ret := range s.Returns {
		returned[ret.ProductID] += ret.Quantity
	}
	return returned
}

type SaleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Date          *time.Time      `json:"date,omitempty"`
	Items         []SaleLine      `json:"items"`
	Discount      decimal.Decimal `json:"discount"`
	DiscountKind  DiscountKind    `json:"discount_kind"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	PaymentMethod string          `json:"payment_method"`
}

// SaleUpdateRequest replaces the editable parts of a sale. The invoice
// number and returns are never changed by an update.
type SaleUpdateRequest struct {
	Date          *time.Time      `json:"date,omitempty"`
	Items         []SaleLine      `json:"items"`
	Discount      decimal.Decimal `json:"discount"`
	DiscountKind  DiscountKind    `json:"discount_kind"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	PaymentMethod string          `json:"payment_method"`
}

type ReturnRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleResponse struct {
	Sale        Sale   `json:"sale"`
	OperationID string `json:"operation_id"`
}

type DeleteResponse struct {
	ID          string `json:"id"`
	OperationID string `json:"operation_id,omitempty"`
}

// Session identifies the device operator. It is handed to the coordinator
// at construction instead of living in global state.
type Session struct {
	UserID   string
	Username string
	DeviceID string
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type DiscountKind string

const (
	DiscountFixed      DiscountKind = "fixed"
	DiscountPercentage DiscountKind = "percentage"
)

// SyncState is the per-record replication state kept in the local cache.
type SyncState string

const (
	SyncPendingLocal   SyncState = "pending_local"
	SyncSynced         SyncState = "synced"
	SyncDeletedPending SyncState = "deleted_pending"
)

// OperationState tracks a queued mutation from local apply to remote outcome.
type OperationState string

const (
	OpDraft         OperationState = "draft"
	OpLocalApplied  OperationState = "local_applied"
	OpRemotePending OperationState = "remote_pending"
	OpSynced        OperationState = "synced"
	OpRemoteFailed  OperationState = "remote_failed"
)

func (s OperationState) Terminal() bool {
	return s == OpSynced || s == OpRemoteFailed
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentQRIS     = "qris"
	PaymentEWallet  = "ewallet"
)

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentQRIS, PaymentEWallet:
		return true
	default:
		return false
	}
}

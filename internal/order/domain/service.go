package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	"gorm.io/gorm"
)

type Service interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderView, error)
	TransitionSubOrder(ctx context.Context, subOrderID snowflake.ID, to Status) (*SubOrder, error)
	GetOrder(ctx context.Context, parentID snowflake.ID) (*OrderView, error)
}

// Refunder records the refund of a commission event inside the caller's transaction.
type Refunder interface {
	RefundEventTx(ctx context.Context, tx *gorm.DB, req clearancedomain.RefundRequest) (*clearancedomain.RefundResult, error)
}

type LineItemInput struct {
	SKU        string
	VendorID   snowflake.ID
	Quantity   int64
	UnitAmount int64
	// Amount may be given instead of Quantity x UnitAmount.
	Amount int64
}

type PlaceOrderRequest struct {
	ExternalRef string
	Currency    string
	Items       []LineItemInput
	Shipping    int64
	PlatformFee int64
	Tax         int64
	// Total is the amount charged to the customer; it must equal the line
	// subtotal plus every charge.
	Total    int64
	PlacedAt time.Time
}

type OrderView struct {
	Parent    ParentOrder `json:"parent"`
	SubOrders []SubOrder  `json:"sub_orders"`
	Status    Status      `json:"status"`
}

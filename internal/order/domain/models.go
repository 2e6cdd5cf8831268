package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusConfirmed          Status = "CONFIRMED"
	StatusFulfilled          Status = "FULFILLED"
	StatusCancelled          Status = "CANCELLED"
	StatusPartiallyFulfilled Status = "PARTIALLY_FULFILLED"
)

// ParentOrder is the customer-facing order. Its status is never stored; it
// is derived from the sub-orders.
type ParentOrder struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalRef string       `json:"external_ref" gorm:"type:varchar(191);not null;uniqueIndex"`
	Currency    string       `json:"currency" gorm:"type:char(3);not null"`
	Subtotal    int64        `json:"subtotal" gorm:"not null"`
	Shipping    int64        `json:"shipping" gorm:"not null"`
	PlatformFee int64        `json:"platform_fee" gorm:"not null"`
	Tax         int64        `json:"tax" gorm:"not null"`
	Total       int64        `json:"total" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

func (ParentOrder) TableName() string { return "parent_orders" }

type LineItem struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	ParentOrderID snowflake.ID `json:"parent_order_id" gorm:"not null;index"`
	SubOrderID    snowflake.ID `json:"sub_order_id" gorm:"not null;index"`
	Position      int          `json:"position" gorm:"not null"`
	SKU           string       `json:"sku" gorm:"type:varchar(100);not null"`
	VendorID      snowflake.ID `json:"vendor_id" gorm:"not null"`
	Quantity      int64        `json:"quantity" gorm:"not null"`
	UnitAmount    int64        `json:"unit_amount" gorm:"not null"`
	Amount        int64        `json:"amount" gorm:"not null"`
}

func (LineItem) TableName() string { return "order_line_items" }

type SubOrder struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	ParentOrderID     snowflake.ID  `json:"parent_order_id" gorm:"not null;uniqueIndex:ux_sub_orders_parent_vendor,priority:1"`
	VendorID          snowflake.ID  `json:"vendor_id" gorm:"not null;uniqueIndex:ux_sub_orders_parent_vendor,priority:2"`
	Sequence          int           `json:"sequence" gorm:"not null"`
	Currency          string        `json:"currency" gorm:"type:char(3);not null"`
	Subtotal          int64         `json:"subtotal" gorm:"not null"`
	Shipping          int64         `json:"shipping" gorm:"not null"`
	PlatformFee       int64         `json:"platform_fee" gorm:"not null"`
	Tax               int64         `json:"tax" gorm:"not null"`
	Total             int64         `json:"total" gorm:"not null"`
	Status            Status        `json:"status" gorm:"type:varchar(30);not null"`
	CommissionEventID *snowflake.ID `json:"commission_event_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`

	Items []LineItem `json:"items" gorm:"-"`
}

func (SubOrder) TableName() string { return "sub_orders" }

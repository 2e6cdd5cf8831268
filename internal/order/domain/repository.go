package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertOrder stores the parent, its sub-orders and every sub-order's items.
	InsertOrder(ctx context.Context, db *gorm.DB, parent *ParentOrder, subs []SubOrder) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ParentOrder, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*ParentOrder, error)
	// ListSubOrders returns the parent's sub-orders in sequence order with their items.
	ListSubOrders(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]SubOrder, error)
	FindSubOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SubOrder, error)
	// UpdateSubOrderStatus moves the sub-order only if it still holds from.
	UpdateSubOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (bool, error)
}

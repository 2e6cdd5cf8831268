package vendortier

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// VendorTier is a vendor's volume classification over a trailing window.
// Rows are written only by Recalculate.
type VendorTier struct {
	VendorID       snowflake.ID `json:"vendor_id" gorm:"primaryKey;autoIncrement:false"`
	Level          string       `json:"level" gorm:"type:varchar(40);not null"`
	Volume         int64        `json:"volume" gorm:"not null"`
	WindowStart    time.Time    `json:"window_start" gorm:"not null"`
	WindowEnd      time.Time    `json:"window_end" gorm:"not null"`
	RecalculatedAt time.Time    `json:"recalculated_at" gorm:"not null"`
}

func (VendorTier) TableName() string { return "vendor_tiers" }

// Reader is the read-only view other packages get of vendor tiers.
type Reader interface {
	// Level returns the vendor's current tier level, or "" when it has never been classified.
	Level(ctx context.Context, vendorID snowflake.ID) (string, error)
}

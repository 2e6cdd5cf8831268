package vendortier

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var volumeEventTypes = []commissiondomain.EventType{
	commissiondomain.EventTypeOrderPlaced,
	commissiondomain.EventTypeSaleCompleted,
}

func find(ctx context.Context, db *gorm.DB, vendorID snowflake.ID) (*VendorTier, error) {
	var tier VendorTier
	err := db.WithContext(ctx).Where("vendor_id = ?", vendorID).Take(&tier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

func upsert(ctx context.Context, db *gorm.DB, tier *VendorTier) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vendor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "volume", "window_start", "window_end", "recalculated_at"}),
	}).Create(tier).Error
}

// trailingVolume sums non-refunded sales events of the vendor in [from, to).
func trailingVolume(ctx context.Context, db *gorm.DB, vendorID snowflake.ID, from, to time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(e.amount), 0)
		 FROM commission_events e
		 WHERE e.subject_id = ? AND e.type IN ? AND e.occurred_at >= ? AND e.occurred_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM commission_events rf
		     WHERE rf.type = ? AND rf.reverses_event_id = e.id
		   )`,
		vendorID,
		volumeEventTypes,
		from.UTC(),
		to.UTC(),
		commissiondomain.EventTypeRefund,
	).Scan(&total).Error
	return total, err
}

// vendorsToRecalculate returns vendors with sales in the window plus every
// vendor already classified, so vendors that went quiet are downgraded.
func vendorsToRecalculate(ctx context.Context, db *gorm.DB, since time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT subject_id FROM commission_events
		 WHERE type IN ? AND occurred_at >= ?
		 UNION
		 SELECT vendor_id FROM vendor_tiers`,
		volumeEventTypes,
		since.UTC(),
	).Scan(&ids).Error
	return ids, err
}

package vendortier

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/config"
	"github.com/smallbiznis/revshare/internal/observability/logger"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidVendor = errors.New("invalid_vendor")

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     *config.CommissionConfigHolder
	metrics *metrics.EngineMetrics
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  *config.CommissionConfigHolder
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("vendortier.service"),
		cfg:     p.Config,
		metrics: p.Metrics,
	}
}

func (s *Service) Level(ctx context.Context, vendorID snowflake.ID) (string, error) {
	tier, err := find(ctx, s.db, vendorID)
	if err != nil || tier == nil {
		return "", err
	}
	return tier.Level, nil
}

func (s *Service) Get(ctx context.Context, vendorID snowflake.ID) (*VendorTier, error) {
	return find(ctx, s.db, vendorID)
}

// Recalculate reclassifies the vendor from its trailing-window volume ending at now.
func (s *Service) Recalculate(ctx context.Context, vendorID snowflake.ID, now time.Time) (*VendorTier, error) {
	if vendorID == 0 {
		return nil, ErrInvalidVendor
	}
	cfg := s.cfg.Get()
	now = now.UTC()
	start := now.Add(-cfg.TierWindow)

	var result *VendorTier
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		volume, err := trailingVolume(ctx, tx, vendorID, start, now)
		if err != nil {
			return err
		}
		previous, err := find(ctx, tx, vendorID)
		if err != nil {
			return err
		}

		tier := &VendorTier{
			VendorID:       vendorID,
			Level:          cfg.TierFor(volume),
			Volume:         volume,
			WindowStart:    start,
			WindowEnd:      now,
			RecalculatedAt: now,
		}
		if err := upsert(ctx, tx, tier); err != nil {
			return err
		}

		changed := previous == nil || previous.Level != tier.Level
		s.metrics.IncTierRecalculation(changed)
		if changed {
			from := ""
			if previous != nil {
				from = previous.Level
			}
			logger.WithContext(ctx, s.log).Info("vendor tier changed",
				zap.String("vendor_id", vendorID.String()),
				zap.String("from", from),
				zap.String("to", tier.Level),
				zap.Int64("volume", volume),
			)
		}
		result = tier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecalculateAll reclassifies every vendor with recent sales or an existing
// tier. Failures are collected and do not stop the run.
func (s *Service) RecalculateAll(ctx context.Context, now time.Time) (int, error) {
	cfg := s.cfg.Get()
	ids, err := vendorsToRecalculate(ctx, s.db, now.UTC().Add(-cfg.TierWindow))
	if err != nil {
		return 0, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.Recalculate(ctx, id, now); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

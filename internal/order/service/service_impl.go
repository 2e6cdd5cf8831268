package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	"github.com/smallbiznis/revshare/internal/clock"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/smallbiznis/revshare/internal/lock"
	"github.com/smallbiznis/revshare/internal/observability/logger"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"github.com/smallbiznis/revshare/internal/observability/tracing"
	"github.com/smallbiznis/revshare/internal/order/domain"
	"github.com/smallbiznis/revshare/internal/order/splitter"
	"github.com/smallbiznis/revshare/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Commissions commissiondomain.Service

	Refunder      domain.Refunder        `optional:"true"`
	Clock         clock.Clock            `optional:"true"`
	Locker        *lock.Locker           `optional:"true"`
	EngineMetrics *metrics.EngineMetrics `optional:"true"`
	Metrics       *metrics.Metrics       `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	commissions commissiondomain.Service
	refunder    domain.Refunder
	clock       clock.Clock
	locker      *lock.Locker
	metrics     *metrics.EngineMetrics
	otel        *metrics.Metrics
	tracer      trace.Tracer
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("order.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		commissions: p.Commissions,
		refunder:    p.Refunder,
		clock:       clk,
		locker:      p.Locker,
		metrics:     p.EngineMetrics,
		otel:        p.Metrics,
		tracer:      tracing.Tracer("order.service"),
	}
}

// PlaceOrder splits the order by vendor and stores the parent, its
// sub-orders and one ORDER_PLACED commission event per sub-order in a single
// transaction. Placing the same external ref again returns the stored order.
func (s *Service) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.OrderView, error) {
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		return nil, domain.ErrInvalidExternalRef
	}
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder", trace.WithAttributes(attribute.String("external_ref", ref)))
	defer span.End()

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}

	now := s.clock.Now().UTC()
	placedAt := req.PlacedAt.UTC()
	if req.PlacedAt.IsZero() {
		placedAt = now
	}

	parent := domain.ParentOrder{
		ID:          s.genID.Generate(),
		ExternalRef: ref,
		Currency:    currency,
		Shipping:    req.Shipping,
		PlatformFee: req.PlatformFee,
		Tax:         req.Tax,
		Total:       req.Total,
		CreatedAt:   placedAt,
	}
	items := make([]domain.LineItem, len(req.Items))
	for i, in := range req.Items {
		items[i] = domain.LineItem{
			SKU:        strings.TrimSpace(in.SKU),
			VendorID:   in.VendorID,
			Quantity:   in.Quantity,
			UnitAmount: in.UnitAmount,
			Amount:     in.Amount,
		}
	}

	subs, err := splitter.Split(parent, items, splitter.ByItemVendor)
	if err != nil {
		if errors.Is(err, domain.ErrSplitIntegrity) {
			s.metrics.IncSplit(metrics.SplitOutcomeIntegrity)
			logger.WithContext(ctx, s.log).Error("order split failed integrity check",
				zap.String("external_ref", ref), zap.Error(err))
		} else {
			s.metrics.IncSplit(metrics.SplitOutcomeRejected)
		}
		return nil, err
	}
	for _, sub := range subs {
		parent.Subtotal += sub.Subtotal
	}

	var view *domain.OrderView
	err = s.locker.With(ctx, lock.OrderKey(ref), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			existing, err := s.repo.FindByExternalRef(ctx, tx, ref)
			if err != nil {
				return err
			}
			if existing != nil {
				view, err = s.replay(ctx, tx, existing, parent)
				return err
			}

			for i := range subs {
				if err := s.prepareSubOrder(ctx, tx, parent, &subs[i], placedAt, now); err != nil {
					return err
				}
			}
			if err := s.repo.InsertOrder(ctx, tx, &parent, subs); err != nil {
				return err
			}
			view = &domain.OrderView{Parent: parent, SubOrders: subs, Status: domain.DeriveParentStatus(subs)}
			return nil
		})
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		return nil, domain.ErrOrderConflict
	case db.IsDuplicateKeyErr(err):
		// lost a race with another placement of the same order
		return s.findReplay(ctx, parent)
	case err != nil:
		return nil, err
	}

	s.metrics.IncSplit(metrics.SplitOutcomeOK)
	s.otel.RecordOrderSplit(ctx, parent.Currency)
	logger.WithContext(ctx, s.log).Info("order placed",
		zap.String("order_id", view.Parent.ID.String()),
		zap.String("external_ref", ref),
		zap.Int("sub_orders", len(view.SubOrders)),
		zap.Int64("total", view.Parent.Total),
	)
	return view, nil
}

func (s *Service) prepareSubOrder(ctx context.Context, tx *gorm.DB, parent domain.ParentOrder, sub *domain.SubOrder, placedAt, now time.Time) error {
	sub.ID = s.genID.Generate()
	sub.ParentOrderID = parent.ID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	for j := range sub.Items {
		sub.Items[j].ID = s.genID.Generate()
		sub.Items[j].ParentOrderID = parent.ID
		sub.Items[j].SubOrderID = sub.ID
	}

	event, err := s.commissions.RecordEventTx(ctx, tx, commissiondomain.RecordEventRequest{
		Type:        commissiondomain.EventTypeOrderPlaced,
		SubjectID:   sub.VendorID,
		Amount:      sub.Subtotal,
		Currency:    sub.Currency,
		OccurredAt:  placedAt,
		ExternalRef: fmt.Sprintf("order:%s:%s", parent.ExternalRef, sub.VendorID),
	})
	if err != nil {
		return fmt.Errorf("record commission event for vendor %s: %w", sub.VendorID, err)
	}
	eventID := event.ID
	sub.CommissionEventID = &eventID
	return nil
}

// replay returns the stored order when it matches the request.
func (s *Service) replay(ctx context.Context, tx *gorm.DB, existing *domain.ParentOrder, requested domain.ParentOrder) (*domain.OrderView, error) {
	if existing.Currency != requested.Currency ||
		existing.Total != requested.Total ||
		existing.Subtotal != requested.Subtotal {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderConflict, requested.ExternalRef)
	}
	return s.load(ctx, tx, existing)
}

func (s *Service) findReplay(ctx context.Context, requested domain.ParentOrder) (*domain.OrderView, error) {
	existing, err := s.repo.FindByExternalRef(ctx, s.db, requested.ExternalRef)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrOrderConflict
	}
	return s.replay(ctx, s.db, existing, requested)
}

// TransitionSubOrder moves a sub-order along its lifecycle. Cancelling it
// refunds its commission event in the same transaction.
func (s *Service) TransitionSubOrder(ctx context.Context, subOrderID snowflake.ID, to domain.Status) (*domain.SubOrder, error) {
	ctx, span := s.tracer.Start(ctx, "order.TransitionSubOrder",
		trace.WithAttributes(attribute.String("sub_order_id", subOrderID.String()), attribute.String("to", string(to))))
	defer span.End()

	now := s.clock.Now().UTC()
	var result *domain.SubOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindSubOrder(ctx, tx, subOrderID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubOrderNotFound
		}
		if sub.Status == to {
			result = sub
			return nil
		}
		if !domain.CanTransition(sub.Status, to) {
			return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, sub.Status, to)
		}

		ok, err := s.repo.UpdateSubOrderStatus(ctx, tx, sub.ID, sub.Status, to, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStaleStatus
		}

		if to == domain.StatusCancelled && sub.CommissionEventID != nil && s.refunder != nil {
			_, err := s.refunder.RefundEventTx(ctx, tx, clearancedomain.RefundRequest{
				EventID:     *sub.CommissionEventID,
				ExternalRef: "cancel:" + sub.ID.String(),
				OccurredAt:  now,
			})
			if err != nil {
				return fmt.Errorf("refund commission event: %w", err)
			}
		}

		sub.Status = to
		sub.UpdatedAt = now
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("sub-order transitioned",
		zap.String("sub_order_id", subOrderID.String()),
		zap.String("status", string(to)),
	)
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, parentID snowflake.ID) (*domain.OrderView, error) {
	parent, err := s.repo.FindByID(ctx, s.db, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, domain.ErrOrderNotFound
	}
	return s.load(ctx, s.db, parent)
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, parent *domain.ParentOrder) (*domain.OrderView, error) {
	subs, err := s.repo.ListSubOrders(ctx, tx, parent.ID)
	if err != nil {
		return nil, err
	}
	return &domain.OrderView{Parent: *parent, SubOrders: subs, Status: domain.DeriveParentStatus(subs)}, nil
}

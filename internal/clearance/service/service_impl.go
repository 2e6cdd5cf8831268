package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/clearance/domain"
	"github.com/smallbiznis/revshare/internal/clearance/policy"
	"github.com/smallbiznis/revshare/internal/clock"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	commissionservice "github.com/smallbiznis/revshare/internal/commission/service"
	"github.com/smallbiznis/revshare/internal/config"
	"github.com/smallbiznis/revshare/internal/lock"
	obsctx "github.com/smallbiznis/revshare/internal/observability/context"
	"github.com/smallbiznis/revshare/internal/observability/logger"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"github.com/smallbiznis/revshare/internal/observability/tracing"
	"github.com/smallbiznis/revshare/pkg/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const defaultReconcileLimit = 100

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Config         *config.CommissionConfigHolder
	Repo           domain.Repository
	CommissionRepo commissiondomain.Repository

	Clock         clock.Clock            `optional:"true"`
	Locker        *lock.Locker           `optional:"true"`
	EngineMetrics *metrics.EngineMetrics `optional:"true"`
	Metrics       *metrics.Metrics       `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	cfg         *config.CommissionConfigHolder
	repo        domain.Repository
	commissions commissiondomain.Repository
	transitions repository.AppendOnly[commissiondomain.RecordTransition]
	clock       clock.Clock
	locker      *lock.Locker
	metrics     *metrics.EngineMetrics
	otel        *metrics.Metrics
	tracer      trace.Tracer
}

func New(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("clearance.service"),
		genID:       p.GenID,
		cfg:         p.Config,
		repo:        p.Repo,
		commissions: p.CommissionRepo,
		transitions: repository.ProvideStore[commissiondomain.RecordTransition](p.DB),
		clock:       clk,
		locker:      p.Locker,
		metrics:     p.EngineMetrics,
		otel:        p.Metrics,
		tracer:      tracing.Tracer("clearance.service"),
	}
}

func (s *Service) ClearSubject(ctx context.Context, subjectID snowflake.ID, now time.Time) (*domain.ClearResult, error) {
	if subjectID == 0 {
		return nil, domain.ErrInvalidSubject
	}
	now = now.UTC()
	batchID := obsctx.NewCorrelationID(now)
	ctx = obsctx.WithBatchID(ctx, batchID)
	ctx, span := s.tracer.Start(ctx, "clearance.ClearSubject",
		trace.WithAttributes(attribute.String("subject_id", subjectID.String())))
	defer span.End()

	window := s.cfg.Get().ClearanceWindow(subjectID.String())
	result := &domain.ClearResult{
		SubjectID: subjectID,
		BatchID:   batchID,
		Amounts:   map[string]int64{},
	}

	err := s.locker.With(ctx, lock.SubjectKey(subjectID), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			records, err := s.repo.ListPendingRecords(ctx, tx, subjectID)
			if err != nil {
				return err
			}
			eventIDs := make([]snowflake.ID, 0, len(records))
			for _, r := range records {
				eventIDs = append(eventIDs, r.EventID)
			}
			refunded, err := s.repo.RefundedEventIDs(ctx, tx, eventIDs)
			if err != nil {
				return err
			}

			var rows []*commissiondomain.RecordTransition
			for _, r := range records {
				_, reversed := refunded[r.EventID]
				if !policy.EligibleForClearance(r, now, window, reversed) {
					continue
				}
				rows = append(rows, &commissiondomain.RecordTransition{
					ID:         s.genID.Generate(),
					RecordID:   r.ID,
					FromStatus: commissiondomain.RecordStatusPending,
					ToStatus:   commissiondomain.RecordStatusCleared,
					BatchID:    batchID,
					OccurredAt: now,
				})
				result.RecordIDs = append(result.RecordIDs, r.ID)
				result.Amounts[r.Currency] += r.Amount
			}
			if len(rows) == 0 {
				return nil
			}

			n, err := s.transitions.WithTrx(tx).AppendIgnoringConflicts(ctx, rows)
			if err != nil {
				return err
			}
			// another batch cleared some of these records first
			if n != int64(len(rows)) {
				return domain.ErrConcurrentChange
			}
			return nil
		})
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		err = domain.ErrSubjectBusy
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.AddClearance(string(commissiondomain.RecordStatusCleared), len(result.RecordIDs))
	for currency, amount := range result.Amounts {
		s.otel.RecordCleared(ctx, currency, amount)
	}
	if len(result.RecordIDs) > 0 {
		logger.WithContext(ctx, s.log).Info("commission records cleared",
			zap.String("subject_id", subjectID.String()),
			zap.Int("records", len(result.RecordIDs)),
			zap.Duration("window", window),
		)
	}
	return result, nil
}

// ClearAll clears every subject with pending records. Subjects are grouped
// into chunks handled by a bounded number of workers; a failing subject rolls
// back only its own batch and the run continues.
func (s *Service) ClearAll(ctx context.Context, now time.Time) (domain.ClearAllSummary, error) {
	var summary domain.ClearAllSummary
	subjects, err := s.repo.ListPendingSubjects(ctx, s.db)
	if err != nil {
		return summary, err
	}
	summary.Subjects = len(subjects)

	cfg := s.cfg.Get()
	chunkSize := cfg.ClearanceChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(cfg.ClearanceConcurrency, 1))
	for start := 0; start < len(subjects); start += chunkSize {
		chunk := subjects[start:min(start+chunkSize, len(subjects))]
		g.Go(func() error {
			for _, subjectID := range chunk {
				if err := ctx.Err(); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return nil
				}
				res, err := s.ClearSubject(ctx, subjectID, now)
				mu.Lock()
				switch {
				case err == nil:
					summary.Cleared += len(res.RecordIDs)
				case errors.Is(err, domain.ErrSubjectBusy):
					// another worker owns it; the next run picks it up
				default:
					summary.Failed++
					errs = append(errs, fmt.Errorf("subject %s: %w", subjectID, err))
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary, errors.Join(errs...)
}

func (s *Service) RefundEvent(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	var result *domain.RefundResult
	err := s.locker.With(ctx, lock.EventKey(req.EventID), func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.RefundEventTx(ctx, tx, req)
			return err
		})
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, commissiondomain.ErrEventBusy
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefundEventTx records the refund of an event and reverses its CLEARED and
// PAID commissions. PENDING commissions are left alone; they can no longer
// clear. Refunding twice returns the first refund.
func (s *Service) RefundEventTx(ctx context.Context, tx *gorm.DB, req domain.RefundRequest) (*domain.RefundResult, error) {
	ctx, span := s.tracer.Start(ctx, "clearance.RefundEvent",
		trace.WithAttributes(attribute.String("event_id", req.EventID.String())))
	defer span.End()

	original, err := s.commissions.FindEventByID(ctx, tx, req.EventID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, commissiondomain.ErrEventNotFound
	}
	if original.Type == commissiondomain.EventTypeRefund {
		return nil, commissiondomain.ErrRefundOfRefund
	}

	now := s.clock.Now().UTC()
	refund, err := s.commissions.FindRefundOf(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		ref := strings.TrimSpace(req.ExternalRef)
		if ref == "" {
			ref = "refund:" + original.ID.String()
		}
		occurredAt := req.OccurredAt.UTC()
		if req.OccurredAt.IsZero() {
			occurredAt = now
		}
		reverses := original.ID
		refund, err = commissionservice.InsertEvent(ctx, tx, s.commissions, &commissiondomain.Event{
			ID:              s.genID.Generate(),
			Type:            commissiondomain.EventTypeRefund,
			SubjectID:       original.SubjectID,
			Amount:          original.Amount,
			Currency:        original.Currency,
			OccurredAt:      occurredAt,
			ExternalRef:     ref,
			ReversesEventID: &reverses,
			CreatedAt:       now,
		}, s.otel, s.log)
		if err != nil {
			return nil, err
		}
	}

	reversals, err := s.reverseEvent(ctx, tx, original.ID, now)
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("commission event refunded",
		zap.String("event_id", original.ID.String()),
		zap.String("refund_id", refund.ID.String()),
		zap.Int("reversals", len(reversals)),
	)
	return &domain.RefundResult{Refund: *refund, Reversals: reversals}, nil
}

// reverseEvent appends one reversal for each CLEARED or PAID commission of
// the event that does not have one yet.
func (s *Service) reverseEvent(ctx context.Context, tx *gorm.DB, eventID snowflake.ID, now time.Time) ([]commissiondomain.Record, error) {
	records, err := s.commissions.ListRecordsByEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	reversed := make(map[snowflake.ID]struct{})
	for _, r := range records {
		if r.Kind == commissiondomain.RecordKindReversal && r.SupersedesID != nil {
			reversed[*r.SupersedesID] = struct{}{}
		}
	}

	var out []commissiondomain.Record
	for _, r := range records {
		if _, done := reversed[r.ID]; done {
			continue
		}
		reversal, err := policy.Reverse(r, now)
		if errors.Is(err, domain.ErrNotReversible) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reversal.ID = s.genID.Generate()
		reversal.CreatedAt = now
		inserted, err := s.commissions.InsertRecordIfAbsent(ctx, tx, &reversal)
		if err != nil {
			return nil, err
		}
		if inserted {
			out = append(out, reversal)
		}
	}
	s.metrics.AddReversals(len(out))
	return out, nil
}

func (s *Service) ReconcileRefunds(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	eventIDs, err := s.repo.ListEventsMissingReversal(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	var errs []error
	total := 0
	for _, eventID := range eventIDs {
		var reversals []commissiondomain.Record
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			reversals, err = s.reverseEvent(ctx, tx, eventID, now.UTC())
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", eventID, err))
			continue
		}
		total += len(reversals)
	}
	if total > 0 {
		logger.WithContext(ctx, s.log).Warn("appended missing reversals", zap.Int("reversals", total))
	}
	return total, errors.Join(errs...)
}

// MarkPaid moves CLEARED records to PAID under payoutRef. Either every
// record moves or none does.
func (s *Service) MarkPaid(ctx context.Context, req domain.MarkPaidRequest) ([]commissiondomain.Record, error) {
	payoutRef := strings.TrimSpace(req.PayoutRef)
	if payoutRef == "" {
		return nil, domain.ErrInvalidPayoutRef
	}
	ids := uniqueIDs(req.RecordIDs)
	if len(ids) == 0 {
		return nil, domain.ErrRecordNotFound
	}
	paidAt := req.PaidAt.UTC()
	if req.PaidAt.IsZero() {
		paidAt = s.clock.Now().UTC()
	}
	batchID := obsctx.NewCorrelationID(paidAt)
	ctx = obsctx.WithBatchID(ctx, batchID)

	var records []commissiondomain.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		records, err = s.commissions.FindRecordsByIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(records) != len(ids) {
			return domain.ErrRecordNotFound
		}

		eventIDs := make([]snowflake.ID, 0, len(records))
		for _, r := range records {
			eventIDs = append(eventIDs, r.EventID)
		}
		refunded, err := s.repo.RefundedEventIDs(ctx, tx, eventIDs)
		if err != nil {
			return err
		}

		rows := make([]*commissiondomain.RecordTransition, 0, len(records))
		for _, r := range records {
			if !policy.CanTransition(r.Status, commissiondomain.RecordStatusPaid) {
				return fmt.Errorf("%w: record %s is %s", domain.ErrNotCleared, r.ID, r.Status)
			}
			if _, ok := refunded[r.EventID]; ok {
				return fmt.Errorf("%w: record %s", commissiondomain.ErrEventRefunded, r.ID)
			}
			rows = append(rows, &commissiondomain.RecordTransition{
				ID:         s.genID.Generate(),
				RecordID:   r.ID,
				FromStatus: r.Status,
				ToStatus:   commissiondomain.RecordStatusPaid,
				BatchID:    batchID,
				Reference:  payoutRef,
				OccurredAt: paidAt,
			})
		}

		n, err := s.transitions.WithTrx(tx).AppendIgnoringConflicts(ctx, rows)
		if err != nil {
			return err
		}
		if n != int64(len(rows)) {
			return domain.ErrConcurrentChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Status = commissiondomain.RecordStatusPaid
	}
	s.metrics.AddClearance(string(commissiondomain.RecordStatusPaid), len(records))
	logger.WithContext(ctx, s.log).Info("commission records paid",
		zap.String("payout_ref", payoutRef),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// Balance nets the subject's records per currency, leaving out pending
// commissions of refunded events.
func (s *Service) Balance(ctx context.Context, subjectID snowflake.ID) (map[string]int64, error) {
	if subjectID == 0 {
		return nil, domain.ErrInvalidSubject
	}
	records, err := s.repo.ListSubjectRecords(ctx, s.db, subjectID)
	if err != nil {
		return nil, err
	}
	var pending []snowflake.ID
	for _, r := range records {
		if r.Kind == commissiondomain.RecordKindCommission && r.Status == commissiondomain.RecordStatusPending {
			pending = append(pending, r.EventID)
		}
	}
	refunded, err := s.repo.RefundedEventIDs(ctx, s.db, uniqueIDs(pending))
	if err != nil {
		return nil, err
	}
	return policy.Net(records, refunded), nil
}

func uniqueIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

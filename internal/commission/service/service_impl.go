package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/clock"
	"github.com/smallbiznis/revshare/internal/commission/cache"
	"github.com/smallbiznis/revshare/internal/commission/calculator"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/smallbiznis/revshare/internal/lock"
	obsctx "github.com/smallbiznis/revshare/internal/observability/context"
	"github.com/smallbiznis/revshare/internal/observability/logger"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"github.com/smallbiznis/revshare/internal/observability/tracing"
	"github.com/smallbiznis/revshare/internal/vendortier"
	"github.com/smallbiznis/revshare/pkg/db"
	"github.com/smallbiznis/revshare/pkg/db/pagination"
	"github.com/smallbiznis/revshare/pkg/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultPendingLimit = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Calculator *calculator.Calculator

	Clock         clock.Clock            `optional:"true"`
	Cache         *cache.RuleCache       `optional:"true"`
	Tiers         vendortier.Reader      `optional:"true"`
	Locker        *lock.Locker           `optional:"true"`
	EngineMetrics *metrics.EngineMetrics `optional:"true"`
	Metrics       *metrics.Metrics       `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	evaluations repository.AppendOnly[domain.Evaluation]
	calc        *calculator.Calculator
	cache       *cache.RuleCache
	tiers       vendortier.Reader
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
		log:         p.Log.Named("commission.service"),
		genID:       p.GenID,
		clock:       clk,
		repo:        p.Repo,
		evaluations: repository.ProvideStore[domain.Evaluation](p.DB),
		calc:        p.Calculator,
		cache:       p.Cache,
		tiers:       p.Tiers,
		locker:      p.Locker,
		metrics:     p.EngineMetrics,
		otel:        p.Metrics,
		tracer:      tracing.Tracer("commission.service"),
	}
}

func (s *Service) CreateRule(ctx context.Context, req domain.CreateRuleRequest) (*domain.Rule, error) {
	ctx, span := s.tracer.Start(ctx, "commission.CreateRule")
	defer span.End()

	if req.OwnerID == 0 {
		return nil, domain.ErrInvalidOwner
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	if !req.Trigger.IsTrigger() {
		return nil, domain.ErrInvalidTrigger
	}

	rule := domain.Rule{
		ID:            s.genID.Generate(),
		OwnerID:       req.OwnerID,
		Code:          code,
		Version:       1,
		Type:          req.Type,
		Trigger:       req.Trigger,
		Parameters:    datatypes.NewJSONType(req.Parameters),
		VendorTier:    strings.TrimSpace(req.VendorTier),
		EffectiveFrom: req.EffectiveFrom.UTC(),
		EffectiveTo:   utcPtr(req.EffectiveTo),
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.checkRule(rule); err != nil {
		return nil, err
	}

	if err := s.repo.InsertRule(ctx, s.db, &rule); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRuleExists, code)
		}
		return nil, err
	}
	s.invalidate(rule)

	logger.WithContext(ctx, s.log).Info("commission rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("owner_id", rule.OwnerID.String()),
		zap.String("code", rule.Code),
		zap.String("type", string(rule.Type)),
	)
	return &rule, nil
}

// ReviseRule appends the next version of a rule lineage. Only the latest
// version can be revised.
func (s *Service) ReviseRule(ctx context.Context, req domain.ReviseRuleRequest) (*domain.Rule, error) {
	ctx, span := s.tracer.Start(ctx, "commission.ReviseRule",
		trace.WithAttributes(attribute.String("rule_id", req.RuleID.String())))
	defer span.End()

	prev, err := s.repo.FindRuleByID(ctx, s.db, req.RuleID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, domain.ErrRuleNotFound
	}
	latest, err := s.repo.FindLatestVersion(ctx, s.db, prev.OwnerID, prev.Code)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.ID != prev.ID {
		return nil, domain.ErrRuleSuperseded
	}

	supersedes := prev.ID
	rule := domain.Rule{
		ID:            s.genID.Generate(),
		OwnerID:       prev.OwnerID,
		Code:          prev.Code,
		Version:       prev.Version + 1,
		SupersedesID:  &supersedes,
		Type:          req.Type,
		Trigger:       prev.Trigger,
		Parameters:    datatypes.NewJSONType(req.Parameters),
		VendorTier:    strings.TrimSpace(req.VendorTier),
		EffectiveFrom: req.EffectiveFrom.UTC(),
		EffectiveTo:   utcPtr(req.EffectiveTo),
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.checkRule(rule); err != nil {
		return nil, err
	}

	if err := s.repo.InsertRule(ctx, s.db, &rule); err != nil {
		// a concurrent revision took this version number
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrRuleSuperseded
		}
		return nil, err
	}
	s.invalidate(rule)

	logger.WithContext(ctx, s.log).Info("commission rule revised",
		zap.String("rule_id", rule.ID.String()),
		zap.String("supersedes_id", prev.ID.String()),
		zap.Int("version", rule.Version),
	)
	return &rule, nil
}

func (s *Service) GetRule(ctx context.Context, id snowflake.ID) (*domain.Rule, error) {
	rule, err := s.repo.FindRuleByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, domain.ErrRuleNotFound
	}
	return rule, nil
}

func (s *Service) checkRule(rule domain.Rule) error {
	if rule.EffectiveFrom.IsZero() {
		return domain.ErrInvalidWindow
	}
	if rule.EffectiveTo != nil && !rule.EffectiveTo.After(rule.EffectiveFrom) {
		return domain.ErrInvalidWindow
	}
	return calculator.Validate(rule)
}

func (s *Service) invalidate(rule domain.Rule) {
	if s.cache != nil {
		s.cache.Invalidate(rule.OwnerID, rule.Trigger)
	}
}

func (s *Service) RecordEvent(ctx context.Context, req domain.RecordEventRequest) (*domain.Event, error) {
	return s.RecordEventTx(ctx, s.db, req)
}

// RecordEventTx stores the event once per (type, external ref). A replay with
// the same facts returns the stored event; different facts are a conflict.
func (s *Service) RecordEventTx(ctx context.Context, tx *gorm.DB, req domain.RecordEventRequest) (*domain.Event, error) {
	if !req.Type.IsTrigger() {
		return nil, fmt.Errorf("%w: type %q", domain.ErrInvalidEvent, req.Type)
	}
	if req.SubjectID == 0 {
		return nil, fmt.Errorf("%w: subject is required", domain.ErrInvalidEvent)
	}
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() {
		occurredAt = now
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		ref = "evt_" + obsctx.NewCorrelationID(now)
	}

	event := domain.Event{
		ID:          s.genID.Generate(),
		Type:        req.Type,
		SubjectID:   req.SubjectID,
		Amount:      req.Amount,
		Currency:    currency,
		OccurredAt:  occurredAt,
		ExternalRef: ref,
		CreatedAt:   now,
	}
	return InsertEvent(ctx, tx, s.repo, &event, s.otel, s.log)
}

// InsertEvent stores event unless an event with the same type and external
// ref exists, in which case the stored one is returned.
func InsertEvent(ctx context.Context, tx *gorm.DB, repo domain.Repository, event *domain.Event, otel *metrics.Metrics, log *zap.Logger) (*domain.Event, error) {
	created, err := repo.InsertEventIfAbsent(ctx, tx, event)
	if err != nil {
		return nil, err
	}
	if created {
		otel.RecordEvent(ctx, string(event.Type))
		logger.WithContext(ctx, log).Debug("commission event recorded",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)),
			zap.String("subject_id", event.SubjectID.String()),
			zap.Int64("amount", event.Amount),
		)
		return event, nil
	}

	existing, err := repo.FindEventByRef(ctx, tx, event.Type, event.ExternalRef)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("event %s/%s vanished after conflict", event.Type, event.ExternalRef)
	}
	if existing.SubjectID != event.SubjectID ||
		existing.Amount != event.Amount ||
		existing.Currency != event.Currency ||
		!sameReversal(existing.ReversesEventID, event.ReversesEventID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrEventRefConflict, event.ExternalRef)
	}
	return existing, nil
}

func sameReversal(a, b *snowflake.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// NormalizeCurrency upper-cases a three letter ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", domain.ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", domain.ErrInvalidCurrency
		}
	}
	return code, nil
}

func (s *Service) ComputeForEvent(ctx context.Context, eventID snowflake.ID, now time.Time) (*domain.Record, error) {
	record, _, err := s.computeForEvent(ctx, eventID, now)
	return record, err
}

// computeForEvent reports whether the returned record was created by this call.
func (s *Service) computeForEvent(ctx context.Context, eventID snowflake.ID, now time.Time) (*domain.Record, bool, error) {
	ctx, span := s.tracer.Start(ctx, "commission.ComputeForEvent",
		trace.WithAttributes(attribute.String("event_id", eventID.String())))
	defer span.End()

	var (
		record  *domain.Record
		created bool
	)
	err := s.locker.With(ctx, lock.EventKey(eventID), func(ctx context.Context) error {
		var err error
		record, created, err = s.compute(ctx, eventID, now.UTC())
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		err = domain.ErrEventBusy
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return record, created, nil
}

func (s *Service) compute(ctx context.Context, eventID snowflake.ID, now time.Time) (*domain.Record, bool, error) {
	event, err := s.repo.FindEventByID(ctx, s.db, eventID)
	if err != nil {
		return nil, false, err
	}
	if event == nil {
		return nil, false, domain.ErrEventNotFound
	}
	if event.Type == domain.EventTypeRefund {
		return nil, false, fmt.Errorf("%w: refund events earn no commission", domain.ErrInvalidEvent)
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("event_id", event.ID.String()),
		zap.String("subject_id", event.SubjectID.String()),
	)

	refund, err := s.repo.FindRefundOf(ctx, s.db, event.ID)
	if err != nil {
		return nil, false, err
	}
	if refund != nil {
		s.appendEvaluation(ctx, event.ID, nil, domain.OutcomeRefunded, "refunded by "+refund.ID.String(), now)
		s.metrics.IncComputation("", metrics.OutcomeRefunded)
		return nil, false, domain.ErrEventRefunded
	}

	existing, err := s.repo.ListRecordsByEvent(ctx, s.db, event.ID)
	if err != nil {
		return nil, false, err
	}
	for i := range existing {
		if existing[i].Kind == domain.RecordKindCommission {
			s.metrics.IncComputation("", metrics.OutcomeDuplicate)
			return &existing[i], false, nil
		}
	}

	rules, err := s.loadRules(ctx, event.SubjectID, event.Type)
	if err != nil {
		return nil, false, err
	}
	tier := ""
	if s.tiers != nil {
		if tier, err = s.tiers.Level(ctx, event.SubjectID); err != nil {
			return nil, false, err
		}
	}

	rule, err := s.calc.SelectRule(rules, *event, tier)
	if err != nil {
		if errors.Is(err, domain.ErrNoApplicableRule) {
			s.appendEvaluation(ctx, event.ID, nil, domain.OutcomeNoApplicableRule, err.Error(), now)
			s.metrics.IncComputation("", metrics.OutcomeNoApplicableRule)
			log.Info("no applicable commission rule")
		}
		return nil, false, err
	}

	var volume int64
	if rule.Type == domain.RuleTypeTiered {
		volume, err = s.repo.SumVolume(ctx, s.db, event.SubjectID, event.Type, event.OccurredAt)
		if err != nil {
			return nil, false, err
		}
	}

	computed, err := s.calc.Compute(*event, rule, calculator.Input{Now: now, Volume: volume})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRule) {
			ruleID := rule.ID
			s.appendEvaluation(ctx, event.ID, &ruleID, domain.OutcomeInvalidRule, err.Error(), now)
			s.metrics.IncComputation(string(rule.Type), metrics.OutcomeInvalidRule)
			log.Warn("commission rule rejected", zap.String("rule_id", rule.ID.String()), zap.Error(err))
		}
		return nil, false, err
	}
	computed.ID = s.genID.Generate()
	computed.CreatedAt = now

	inserted := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.InsertRecordIfAbsent(ctx, tx, &computed)
		if err != nil || !ok {
			return err
		}
		inserted = true
		ruleID := rule.ID
		return s.evaluations.WithTrx(tx).Append(ctx, &domain.Evaluation{
			ID:          s.genID.Generate(),
			EventID:     event.ID,
			RuleID:      &ruleID,
			Outcome:     domain.OutcomeComputed,
			Detail:      computed.ID.String(),
			EvaluatedAt: now,
		})
	})
	if err != nil {
		return nil, false, err
	}

	if !inserted {
		stored, err := s.repo.FindRecordByChecksum(ctx, s.db, computed.Checksum)
		if err != nil {
			return nil, false, err
		}
		s.metrics.IncComputation(string(rule.Type), metrics.OutcomeDuplicate)
		return stored, false, nil
	}

	s.metrics.IncComputation(string(rule.Type), metrics.OutcomeComputed)
	s.otel.RecordCommission(ctx, string(rule.Type), computed.Currency, computed.Amount)
	log.Info("commission computed",
		zap.String("record_id", computed.ID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.Int64("amount", computed.Amount),
		zap.Bool("clamped", computed.Clamped),
	)
	return &computed, true, nil
}

func (s *Service) loadRules(ctx context.Context, ownerID snowflake.ID, trigger domain.EventType) ([]domain.Rule, error) {
	if s.cache != nil {
		if rules, ok := s.cache.Get(ownerID, trigger); ok {
			return rules, nil
		}
	}
	rules, err := s.repo.ListRules(ctx, s.db, ownerID, trigger)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ownerID, trigger, rules)
	}
	return rules, nil
}

func (s *Service) appendEvaluation(ctx context.Context, eventID snowflake.ID, ruleID *snowflake.ID, outcome domain.EvaluationOutcome, detail string, now time.Time) {
	err := s.evaluations.Append(ctx, &domain.Evaluation{
		ID:          s.genID.Generate(),
		EventID:     eventID,
		RuleID:      ruleID,
		Outcome:     outcome,
		Detail:      detail,
		EvaluatedAt: now,
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to record evaluation",
			zap.String("event_id", eventID.String()),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

// ComputePending computes commission for up to limit events that have
// neither a record nor a prior evaluation. Events without an applicable or
// valid rule are skipped; other failures are joined into the returned error.
func (s *Service) ComputePending(ctx context.Context, now time.Time, limit int) (domain.ComputeSummary, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	var summary domain.ComputeSummary
	events, err := s.repo.ListUncomputedEvents(ctx, s.db, limit)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(events)

	var errs []error
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, created, err := s.computeForEvent(ctx, event.ID, now)
		switch {
		case err == nil && created:
			summary.Computed++
		case err == nil:
			summary.Duplicates++
		case errors.Is(err, domain.ErrNoApplicableRule),
			errors.Is(err, domain.ErrInvalidRule),
			errors.Is(err, domain.ErrEventRefunded),
			errors.Is(err, domain.ErrEventBusy):
			summary.Skipped++
		default:
			summary.Failed++
			errs = append(errs, fmt.Errorf("event %s: %w", event.ID, err))
		}
	}
	return summary, errors.Join(errs...)
}

func (s *Service) ListRecords(ctx context.Context, req domain.ListRecordsRequest) (*domain.ListRecordsResponse, error) {
	if req.SubjectID == 0 {
		return nil, domain.ErrInvalidOwner
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, err
	}
	var afterID snowflake.ID
	if cursor.ID != "" {
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
	}

	limit := req.Limit()
	records, err := s.repo.ListRecordsBySubject(ctx, s.db, req.SubjectID, afterID, limit+1)
	if err != nil {
		return nil, err
	}
	page, info, err := pagination.Trim(records, limit, func(r domain.Record) string { return r.ID.String() })
	if err != nil {
		return nil, err
	}
	return &domain.ListRecordsResponse{Records: page, PageInfo: info}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

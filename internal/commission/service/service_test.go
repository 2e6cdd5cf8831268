package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/clock"
	"github.com/smallbiznis/revshare/internal/commission/cache"
	"github.com/smallbiznis/revshare/internal/commission/calculator"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/smallbiznis/revshare/internal/commission/repository"
	"github.com/smallbiznis/revshare/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTiers map[snowflake.ID]string

func (f fakeTiers) Level(_ context.Context, vendorID snowflake.ID) (string, error) {
	return f[vendorID], nil
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	clock *clock.FakeClock
	repo  domain.Repository
}

func newFixture(t *testing.T, tiers fakeTiers) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&domain.Rule{},
		&domain.Event{},
		&domain.Record{},
		&domain.RecordTransition{},
		&domain.Evaluation{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(epoch)
	repo := repository.Provide()

	p := Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Repo:       repo,
		Calculator: calculator.New(calculator.Params{Log: log}),
		Clock:      clk,
		Cache:      cache.NewRuleCache(time.Minute),
	}
	if tiers != nil {
		p.Tiers = tiers
	}
	return &fixture{db: conn, svc: newService(p), clock: clk, repo: repo}
}

func rate(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func int64Ptr(v int64) *int64 { return &v }

func percentageRule(owner snowflake.ID, code, r string) domain.CreateRuleRequest {
	return domain.CreateRuleRequest{
		OwnerID:       owner,
		Code:          code,
		Type:          domain.RuleTypePercentage,
		Trigger:       domain.EventTypeOrderPlaced,
		Parameters:    domain.Parameters{Rate: rate(r)},
		EffectiveFrom: epoch.Add(-24 * time.Hour),
	}
}

func (f *fixture) event(t *testing.T, subject snowflake.ID, ref string, amount int64, at time.Time) *domain.Event {
	t.Helper()
	ev, err := f.svc.RecordEvent(context.Background(), domain.RecordEventRequest{
		Type:        domain.EventTypeOrderPlaced,
		SubjectID:   subject,
		Amount:      amount,
		Currency:    "usd",
		OccurredAt:  at,
		ExternalRef: ref,
	})
	require.NoError(t, err)
	return ev
}

func TestCreateAndReviseRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	v1, err := f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.1"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Nil(t, v1.SupersedesID)

	_, err = f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.2"))
	assert.ErrorIs(t, err, domain.ErrRuleExists)

	v2, err := f.svc.ReviseRule(ctx, domain.ReviseRuleRequest{
		RuleID:        v1.ID,
		Type:          domain.RuleTypeFixed,
		Parameters:    domain.Parameters{FlatAmount: int64Ptr(250)},
		EffectiveFrom: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.SupersedesID)
	assert.Equal(t, v1.ID, *v2.SupersedesID)
	assert.Equal(t, domain.EventTypeOrderPlaced, v2.Trigger)

	_, err = f.svc.ReviseRule(ctx, domain.ReviseRuleRequest{
		RuleID:        v1.ID,
		Type:          domain.RuleTypeFixed,
		Parameters:    domain.Parameters{FlatAmount: int64Ptr(300)},
		EffectiveFrom: epoch,
	})
	assert.ErrorIs(t, err, domain.ErrRuleSuperseded)

	stored, err := f.svc.GetRule(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.1", stored.Parameters.Data().Rate.String())

	_, err = f.svc.GetRule(ctx, 12345)
	assert.ErrorIs(t, err, domain.ErrRuleNotFound)
}

func TestCreateRuleRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	req := percentageRule(7, "bad-rate", "1.5")
	_, err := f.svc.CreateRule(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	req = percentageRule(7, "bad-window", "0.1")
	to := req.EffectiveFrom
	req.EffectiveTo = &to
	_, err = f.svc.CreateRule(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)

	req = percentageRule(7, "refund-trigger", "0.1")
	req.Trigger = domain.EventTypeRefund
	_, err = f.svc.CreateRule(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)

	_, err = f.svc.CreateRule(ctx, percentageRule(0, "no-owner", "0.1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)

	_, err = f.svc.CreateRule(ctx, percentageRule(7, "  ", "0.1"))
	assert.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestRecordEventIsIdempotentOnExternalRef(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first := f.event(t, 7, "order-1", 10_000, epoch)
	assert.Equal(t, "USD", first.Currency)

	again := f.event(t, 7, "order-1", 10_000, epoch)
	assert.Equal(t, first.ID, again.ID)

	_, err := f.svc.RecordEvent(ctx, domain.RecordEventRequest{
		Type: domain.EventTypeOrderPlaced, SubjectID: 7, Amount: 9_000, Currency: "USD", ExternalRef: "order-1",
	})
	assert.ErrorIs(t, err, domain.ErrEventRefConflict)

	_, err = f.svc.RecordEvent(ctx, domain.RecordEventRequest{
		Type: domain.EventTypeRefund, SubjectID: 7, Amount: 1, Currency: "USD",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = f.svc.RecordEvent(ctx, domain.RecordEventRequest{
		Type: domain.EventTypeOrderPlaced, SubjectID: 7, Amount: 1, Currency: "US1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)

	_, err = f.svc.RecordEvent(ctx, domain.RecordEventRequest{
		Type: domain.EventTypeOrderPlaced, SubjectID: 7, Amount: -1, Currency: "USD",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	generated, err := f.svc.RecordEvent(ctx, domain.RecordEventRequest{
		Type: domain.EventTypeOrderPlaced, SubjectID: 7, Amount: 1, Currency: "USD",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ExternalRef)
	assert.Equal(t, epoch, generated.OccurredAt)
}

func TestComputeForEventPercentage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rule, err := f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.1"))
	require.NoError(t, err)
	ev := f.event(t, 7, "order-1", 10_000, epoch)

	record, err := f.svc.ComputeForEvent(ctx, ev.ID, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), record.Amount)
	assert.Equal(t, rule.ID, record.RuleID)
	assert.Equal(t, domain.RecordStatusPending, record.Status)
	assert.Equal(t, calculator.Checksum(rule.ID, ev.ID), record.Checksum)

	again, err := f.svc.ComputeForEvent(ctx, ev.ID, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, record.ID, again.ID)

	var count int64
	require.NoError(t, f.db.Model(&domain.Record{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var evaluations []domain.Evaluation
	require.NoError(t, f.db.Find(&evaluations).Error)
	require.Len(t, evaluations, 1)
	assert.Equal(t, domain.OutcomeComputed, evaluations[0].Outcome)
}

func TestComputeTieredUsesCumulativeVolume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.CreateRule(ctx, domain.CreateRuleRequest{
		OwnerID: 7,
		Code:    "volume",
		Type:    domain.RuleTypeTiered,
		Trigger: domain.EventTypeOrderPlaced,
		Parameters: domain.Parameters{Tiers: []domain.TierBand{
			{From: 0, UpTo: int64Ptr(10_000), Rate: rate("0.05")},
			{From: 10_001, Rate: rate("0.03")},
		}},
		EffectiveFrom: epoch.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	first := f.event(t, 7, "order-1", 6_000, epoch)
	second := f.event(t, 7, "order-2", 5_000, epoch.Add(time.Hour))

	r1, err := f.svc.ComputeForEvent(ctx, first.ID, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(300), r1.Amount)

	r2, err := f.svc.ComputeForEvent(ctx, second.ID, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(150), r2.Amount, "volume 11,000 falls in the 3% band")
}

func TestComputeWithoutApplicableRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ev := f.event(t, 7, "order-1", 10_000, epoch)
	_, err := f.svc.ComputeForEvent(ctx, ev.ID, epoch)
	require.ErrorIs(t, err, domain.ErrNoApplicableRule)

	var evaluation domain.Evaluation
	require.NoError(t, f.db.Where("event_id = ?", ev.ID).Take(&evaluation).Error)
	assert.Equal(t, domain.OutcomeNoApplicableRule, evaluation.Outcome)

	summary, err := f.svc.ComputePending(ctx, epoch, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)

	_, err = f.svc.ComputeForEvent(ctx, 999, epoch)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestComputeRefundedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.1"))
	require.NoError(t, err)
	ev := f.event(t, 7, "order-1", 10_000, epoch)

	reverses := ev.ID
	created, err := f.repo.InsertEventIfAbsent(ctx, f.db, &domain.Event{
		ID: 424242, Type: domain.EventTypeRefund, SubjectID: 7, Amount: 10_000, Currency: "USD",
		OccurredAt: epoch, ExternalRef: "refund-1", ReversesEventID: &reverses, CreatedAt: epoch,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.ComputeForEvent(ctx, ev.ID, epoch)
	assert.ErrorIs(t, err, domain.ErrEventRefunded)

	_, err = f.svc.ComputeForEvent(ctx, 424242, epoch)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestComputePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.event(t, 7, fmt.Sprintf("order-%d", i), 1_000, epoch.Add(time.Duration(i)*time.Minute))
	}
	f.event(t, 8, "orphan", 1_000, epoch)

	summary, err := f.svc.ComputePending(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputeSummary{Scanned: 4, Computed: 3, Skipped: 1}, summary)

	summary, err = f.svc.ComputePending(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ComputeSummary{}, summary)
}

func TestTierScopedRuleTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakeTiers{7: "gold"})

	_, err := f.svc.CreateRule(ctx, percentageRule(7, "base", "0.1"))
	require.NoError(t, err)
	gold := percentageRule(7, "gold", "0.05")
	gold.VendorTier = "gold"
	_, err = f.svc.CreateRule(ctx, gold)
	require.NoError(t, err)

	ev := f.event(t, 7, "order-1", 10_000, epoch)
	record, err := f.svc.ComputeForEvent(ctx, ev.ID, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(500), record.Amount)
}

func TestListRecordsPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.CreateRule(ctx, percentageRule(7, "marketplace", "0.1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ev := f.event(t, 7, fmt.Sprintf("order-%d", i), 1_000, epoch)
		_, err := f.svc.ComputeForEvent(ctx, ev.ID, epoch)
		require.NoError(t, err)
	}

	page, err := f.svc.ListRecords(ctx, domain.ListRecordsRequest{
		SubjectID:  7,
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.PageInfo.HasMore)

	rest, err := f.svc.ListRecords(ctx, domain.ListRecordsRequest{
		SubjectID:  7,
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, rest.Records, 1)
	assert.False(t, rest.PageInfo.HasMore)
	assert.Greater(t, rest.Records[0].ID, page.Records[1].ID)

	_, err = f.svc.ListRecords(ctx, domain.ListRecordsRequest{
		SubjectID:  7,
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

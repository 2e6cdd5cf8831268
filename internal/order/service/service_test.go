package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	clearancerepo "github.com/smallbiznis/revshare/internal/clearance/repository"
	clearanceservice "github.com/smallbiznis/revshare/internal/clearance/service"
	"github.com/smallbiznis/revshare/internal/clock"
	"github.com/smallbiznis/revshare/internal/commission/calculator"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	commissionrepo "github.com/smallbiznis/revshare/internal/commission/repository"
	commissionservice "github.com/smallbiznis/revshare/internal/commission/service"
	"github.com/smallbiznis/revshare/internal/config"
	"github.com/smallbiznis/revshare/internal/migration"
	"github.com/smallbiznis/revshare/internal/order/domain"
	"github.com/smallbiznis/revshare/internal/order/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var placedAt = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

const (
	vendorA snowflake.ID = 1001
	vendorB snowflake.ID = 1002
)

type fixture struct {
	db          *gorm.DB
	svc         domain.Service
	commissions commissiondomain.Service
	clearance   clearancedomain.Service
	events      commissiondomain.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migration.AutoMigrate(conn))

	cfg := config.DefaultCommissionConfig()
	cfg.DefaultClearanceWindow = 0
	holder, err := config.NewStaticCommissionConfigHolder(cfg)
	require.NoError(t, err)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(placedAt)
	events := commissionrepo.Provide()

	commissions := commissionservice.New(commissionservice.Params{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Repo:       events,
		Calculator: calculator.New(calculator.Params{Log: log}),
		Clock:      clk,
	})
	clearance := clearanceservice.New(clearanceservice.Params{
		DB:             conn,
		Log:            log,
		GenID:          node,
		Config:         holder,
		Repo:           clearancerepo.Provide(),
		CommissionRepo: events,
		Clock:          clk,
	})
	svc := New(Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Repo:        repository.Provide(),
		Commissions: commissions,
		Refunder:    clearance,
		Clock:       clk,
	})
	return &fixture{db: conn, svc: svc, commissions: commissions, clearance: clearance, events: events}
}

func twoVendorOrder(ref string) domain.PlaceOrderRequest {
	return domain.PlaceOrderRequest{
		ExternalRef: ref,
		Currency:    "ngn",
		Items: []domain.LineItemInput{
			{SKU: "mug", VendorID: vendorA, Quantity: 2, UnitAmount: 3_333},
			{SKU: "tee", VendorID: vendorB, Quantity: 1, UnitAmount: 3_333},
		},
		Shipping: 300,
		Total:    10_299,
		PlacedAt: placedAt,
	}
}

func TestPlaceOrderSplitsAndRecordsEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, err := f.svc.PlaceOrder(ctx, twoVendorOrder("cart-1"))
	require.NoError(t, err)
	assert.Equal(t, "NGN", view.Parent.Currency)
	assert.Equal(t, int64(9_999), view.Parent.Subtotal)
	assert.Equal(t, domain.StatusPending, view.Status)
	require.Len(t, view.SubOrders, 2)

	a, b := view.SubOrders[0], view.SubOrders[1]
	assert.Equal(t, vendorA, a.VendorID)
	assert.Equal(t, int64(6_867), a.Total)
	assert.Equal(t, int64(3_432), b.Total)
	assert.Equal(t, view.Parent.Total, a.Total+b.Total)

	for _, sub := range view.SubOrders {
		require.NotNil(t, sub.CommissionEventID)
		event, err := f.events.FindEventByID(ctx, f.db, *sub.CommissionEventID)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, commissiondomain.EventTypeOrderPlaced, event.Type)
		assert.Equal(t, sub.VendorID, event.SubjectID)
		assert.Equal(t, sub.Subtotal, event.Amount)
		assert.True(t, placedAt.Equal(event.OccurredAt))
	}

	stored, err := f.svc.GetOrder(ctx, view.Parent.ID)
	require.NoError(t, err)
	require.Len(t, stored.SubOrders, 2)
	require.Len(t, stored.SubOrders[0].Items, 1)
	assert.Equal(t, "mug", stored.SubOrders[0].Items[0].SKU)
	assert.Equal(t, int64(6_666), stored.SubOrders[0].Items[0].Amount)

	_, err = f.svc.GetOrder(ctx, 42)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestPlaceOrderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.PlaceOrder(ctx, twoVendorOrder("cart-1"))
	require.NoError(t, err)
	again, err := f.svc.PlaceOrder(ctx, twoVendorOrder("cart-1"))
	require.NoError(t, err)
	assert.Equal(t, first.Parent.ID, again.Parent.ID)
	assert.Equal(t, first.SubOrders[0].ID, again.SubOrders[0].ID)

	var events int64
	require.NoError(t, f.db.Model(&commissiondomain.Event{}).Count(&events).Error)
	assert.Equal(t, int64(2), events)

	changed := twoVendorOrder("cart-1")
	changed.Shipping = 301
	changed.Total = 10_300
	_, err = f.svc.PlaceOrder(ctx, changed)
	assert.ErrorIs(t, err, domain.ErrOrderConflict)
}

func TestPlaceOrderRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mismatch := twoVendorOrder("cart-2")
	mismatch.Total = 10_000
	_, err := f.svc.PlaceOrder(ctx, mismatch)
	assert.ErrorIs(t, err, domain.ErrTotalMismatch)

	noRef := twoVendorOrder(" ")
	_, err = f.svc.PlaceOrder(ctx, noRef)
	assert.ErrorIs(t, err, domain.ErrInvalidExternalRef)

	badCurrency := twoVendorOrder("cart-3")
	badCurrency.Currency = "naira"
	_, err = f.svc.PlaceOrder(ctx, badCurrency)
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)

	noVendor := twoVendorOrder("cart-4")
	noVendor.Items[1].VendorID = 0
	_, err = f.svc.PlaceOrder(ctx, noVendor)
	assert.ErrorIs(t, err, domain.ErrUnknownVendor)

	var parents int64
	require.NoError(t, f.db.Model(&domain.ParentOrder{}).Count(&parents).Error)
	assert.Zero(t, parents)
}

func TestTransitionSubOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, err := f.svc.PlaceOrder(ctx, twoVendorOrder("cart-1"))
	require.NoError(t, err)
	a, b := view.SubOrders[0], view.SubOrders[1]

	_, err = f.svc.TransitionSubOrder(ctx, a.ID, domain.StatusFulfilled)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	for _, to := range []domain.Status{domain.StatusConfirmed, domain.StatusFulfilled} {
		sub, err := f.svc.TransitionSubOrder(ctx, a.ID, to)
		require.NoError(t, err)
		assert.Equal(t, to, sub.Status)
	}

	mid, err := f.svc.GetOrder(ctx, view.Parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyFulfilled, mid.Status)

	cancelled, err := f.svc.TransitionSubOrder(ctx, b.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	refund, err := f.events.FindRefundOf(ctx, f.db, *b.CommissionEventID)
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.Equal(t, "cancel:"+b.ID.String(), refund.ExternalRef)

	again, err := f.svc.TransitionSubOrder(ctx, b.ID, domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)

	final, err := f.svc.GetOrder(ctx, view.Parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFulfilled, final.Status)

	_, err = f.svc.TransitionSubOrder(ctx, 31337, domain.StatusConfirmed)
	assert.ErrorIs(t, err, domain.ErrSubOrderNotFound)
}

func TestCancellingClearedSubOrderReversesCommission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rate := decimal.RequireFromString("0.1")
	_, err := f.commissions.CreateRule(ctx, commissiondomain.CreateRuleRequest{
		OwnerID:       vendorB,
		Code:          "vendor-b",
		Type:          commissiondomain.RuleTypePercentage,
		Trigger:       commissiondomain.EventTypeOrderPlaced,
		Parameters:    commissiondomain.Parameters{Rate: &rate},
		EffectiveFrom: placedAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	view, err := f.svc.PlaceOrder(ctx, twoVendorOrder("cart-1"))
	require.NoError(t, err)
	b := view.SubOrders[1]

	record, err := f.commissions.ComputeForEvent(ctx, *b.CommissionEventID, placedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(333), record.Amount)

	cleared, err := f.clearance.ClearSubject(ctx, vendorB, placedAt)
	require.NoError(t, err)
	require.Equal(t, []snowflake.ID{record.ID}, cleared.RecordIDs)

	_, err = f.svc.TransitionSubOrder(ctx, b.ID, domain.StatusCancelled)
	require.NoError(t, err)

	balance, err := f.clearance.Balance(ctx, vendorB)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"NGN": 0}, balance)
}

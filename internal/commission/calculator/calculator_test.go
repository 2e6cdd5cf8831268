package calculator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	subjectID snowflake.ID = 7001
	ruleID    snowflake.ID = 9001
	eventID   snowflake.ID = 5001
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newCalculator() *Calculator {
	return New(Params{Log: zap.NewNop()})
}

func rate(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func i64(v int64) *int64 { return &v }

func makeRule(ruleType domain.RuleType, params domain.Parameters) domain.Rule {
	return domain.Rule{
		ID:            ruleID,
		OwnerID:       subjectID,
		Code:          "partner-default",
		Version:       1,
		Type:          ruleType,
		Trigger:       domain.EventTypeSaleCompleted,
		Parameters:    datatypes.NewJSONType(params),
		EffectiveFrom: t0.AddDate(0, -1, 0),
		CreatedAt:     t0.AddDate(0, -1, 0),
	}
}

func makeEvent(amount int64) domain.Event {
	return domain.Event{
		ID:         eventID,
		Type:       domain.EventTypeSaleCompleted,
		SubjectID:  subjectID,
		Amount:     amount,
		Currency:   "NGN",
		OccurredAt: t0,
	}
}

func TestComputePercentage(t *testing.T) {
	c := newCalculator()
	record, err := c.Compute(makeEvent(10_000), makeRule(domain.RuleTypePercentage, domain.Parameters{Rate: rate("0.1")}), Input{Now: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), record.Amount)
	assert.Equal(t, domain.RecordStatusPending, record.Status)
	assert.Equal(t, domain.RecordKindCommission, record.Kind)
	assert.Equal(t, subjectID, record.SubjectID)
	assert.False(t, record.Clamped)
}

func TestComputePercentageRoundsHalfAwayFromZero(t *testing.T) {
	c := newCalculator()
	cases := []struct {
		amount int64
		rate   string
		want   int64
	}{
		{amount: 5, rate: "0.5", want: 3},
		{amount: 15, rate: "0.1", want: 2},
		{amount: 14, rate: "0.1", want: 1},
		{amount: 999, rate: "0.0333", want: 33},
		{amount: 0, rate: "0.25", want: 0},
		{amount: 12_345, rate: "1", want: 12_345},
	}
	for _, tc := range cases {
		record, err := c.Compute(makeEvent(tc.amount), makeRule(domain.RuleTypePercentage, domain.Parameters{Rate: rate(tc.rate)}), Input{Now: t0})
		require.NoError(t, err)
		assert.Equal(t, tc.want, record.Amount, "amount=%d rate=%s", tc.amount, tc.rate)
	}
}

func TestComputePercentageMatchesRoundedProduct(t *testing.T) {
	c := newCalculator()
	rates := []string{"0", "0.01", "0.075", "0.1", "0.333", "0.5", "0.999", "1"}
	for _, r := range rates {
		for amount := int64(0); amount <= 5_000; amount += 97 {
			record, err := c.Compute(makeEvent(amount), makeRule(domain.RuleTypePercentage, domain.Parameters{Rate: rate(r)}), Input{Now: t0})
			require.NoError(t, err)
			want := decimal.NewFromInt(amount).Mul(decimal.RequireFromString(r)).Round(0).IntPart()
			require.Equal(t, want, record.Amount, "amount=%d rate=%s", amount, r)
		}
	}
}

func TestComputePercentageRejectsOutOfRangeRate(t *testing.T) {
	c := newCalculator()
	for _, r := range []string{"-0.01", "1.0001", "2"} {
		_, err := c.Compute(makeEvent(100), makeRule(domain.RuleTypePercentage, domain.Parameters{Rate: rate(r)}), Input{Now: t0})
		require.ErrorIs(t, err, domain.ErrInvalidRule, r)
		var ruleErr *domain.RuleError
		require.True(t, errors.As(err, &ruleErr))
		assert.Equal(t, ruleID, ruleErr.RuleID)
	}
}

func TestComputeFixedIgnoresEventAmount(t *testing.T) {
	c := newCalculator()
	rule := makeRule(domain.RuleTypeFixed, domain.Parameters{FlatAmount: i64(250)})
	for _, amount := range []int64{0, 1, 1_000_000} {
		record, err := c.Compute(makeEvent(amount), rule, Input{Now: t0})
		require.NoError(t, err)
		assert.Equal(t, int64(250), record.Amount)
	}

	_, err := c.Compute(makeEvent(10), makeRule(domain.RuleTypeFixed, domain.Parameters{}), Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	_, err = c.Compute(makeEvent(10), makeRule(domain.RuleTypeFixed, domain.Parameters{FlatAmount: i64(-1)}), Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}

func tieredRule() domain.Rule {
	return makeRule(domain.RuleTypeTiered, domain.Parameters{Tiers: []domain.TierBand{
		{From: 10_001, Rate: rate("0.03")},
		{From: 0, UpTo: i64(10_000), Rate: rate("0.05")},
	}})
}

func TestComputeTieredSelectsBandByVolume(t *testing.T) {
	c := newCalculator()
	rule := tieredRule()

	record, err := c.Compute(makeEvent(10_000), rule, Input{Now: t0, Volume: 10_001})
	require.NoError(t, err)
	assert.Equal(t, int64(300), record.Amount, "volume 10,001 falls in the 3%% band")

	record, err = c.Compute(makeEvent(10_000), rule, Input{Now: t0, Volume: 10_000})
	require.NoError(t, err)
	assert.Equal(t, int64(500), record.Amount)

	record, err = c.Compute(makeEvent(10_000), rule, Input{Now: t0, Volume: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(500), record.Amount)
}

func TestComputeTieredSharedBoundaryGoesToHigherBand(t *testing.T) {
	c := newCalculator()
	rule := makeRule(domain.RuleTypeTiered, domain.Parameters{Tiers: []domain.TierBand{
		{From: 0, UpTo: i64(5_000), FlatAmount: i64(10)},
		{From: 5_000, UpTo: i64(20_000), FlatAmount: i64(20)},
		{From: 20_000, FlatAmount: i64(30)},
	}})

	for volume, want := range map[int64]int64{0: 10, 4_999: 10, 5_000: 20, 19_999: 20, 20_000: 30, 1 << 40: 30} {
		record, err := c.Compute(makeEvent(1), rule, Input{Now: t0, Volume: volume})
		require.NoError(t, err)
		assert.Equal(t, want, record.Amount, "volume %d", volume)
	}
}

func TestComputeTieredRejectsMalformedBands(t *testing.T) {
	c := newCalculator()
	cases := map[string][]domain.TierBand{
		"missing": nil,
		"overlap": {
			{From: 0, UpTo: i64(100), Rate: rate("0.1")},
			{From: 50, Rate: rate("0.2")},
		},
		"open_not_last": {
			{From: 0, Rate: rate("0.1")},
			{From: 100, UpTo: i64(200), Rate: rate("0.2")},
		},
		"duplicate_start": {
			{From: 0, UpTo: i64(0), Rate: rate("0.1")},
			{From: 0, Rate: rate("0.2")},
		},
		"inverted": {
			{From: 100, UpTo: i64(10), Rate: rate("0.1")},
		},
		"both_rate_and_flat": {
			{From: 0, Rate: rate("0.1"), FlatAmount: i64(5)},
		},
		"neither_rate_nor_flat": {
			{From: 0},
		},
		"rate_out_of_range": {
			{From: 0, Rate: rate("1.5")},
		},
	}
	for name, bands := range cases {
		t.Run(name, func(t *testing.T) {
			rule := makeRule(domain.RuleTypeTiered, domain.Parameters{Tiers: bands})
			_, err := c.Compute(makeEvent(100), rule, Input{Now: t0})
			assert.ErrorIs(t, err, domain.ErrInvalidRule)
		})
	}
}

func TestComputeTieredUncoveredVolume(t *testing.T) {
	c := newCalculator()
	rule := makeRule(domain.RuleTypeTiered, domain.Parameters{Tiers: []domain.TierBand{
		{From: 1_000, UpTo: i64(2_000), Rate: rate("0.1")},
	}})
	_, err := c.Compute(makeEvent(100), rule, Input{Now: t0, Volume: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	_, err = c.Compute(makeEvent(100), rule, Input{Now: t0, Volume: 2_001})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}

func TestComputeHybridSumsComponents(t *testing.T) {
	c := newCalculator()
	rule := makeRule(domain.RuleTypeHybrid, domain.Parameters{Rate: rate("0.02"), FlatAmount: i64(100)})
	record, err := c.Compute(makeEvent(10_000), rule, Input{Now: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(300), record.Amount)

	_, err = c.Compute(makeEvent(10_000), makeRule(domain.RuleTypeHybrid, domain.Parameters{Rate: rate("0.02")}), Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
	_, err = c.Compute(makeEvent(10_000), makeRule(domain.RuleTypeHybrid, domain.Parameters{Rate: rate("3"), FlatAmount: i64(1)}), Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidRule)
}

func TestComputeClampsNegativeToZero(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewEngineMetricsForTest(registry)
	c := New(Params{Log: zap.NewNop(), Metrics: m})

	rule := makeRule(domain.RuleTypeHybrid, domain.Parameters{Rate: rate("0.01"), FlatAmount: i64(-500)})
	record, err := c.Compute(makeEvent(10_000), rule, Input{Now: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Amount)
	assert.True(t, record.Clamped)

	expected := `
# HELP revshare_commission_clamped_total Commission results clamped to zero.
# TYPE revshare_commission_clamped_total counter
revshare_commission_clamped_total{env="test",service="revshare"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "revshare_commission_clamped_total"))
}

func TestComputeIsDeterministic(t *testing.T) {
	c := newCalculator()
	rule := tieredRule()
	event := makeEvent(7_777)
	in := Input{Now: t0.Add(time.Hour), Volume: 12_000}

	first, err := c.Compute(event, rule, in)
	require.NoError(t, err)
	second, err := c.Compute(event, rule, in)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("compute not deterministic (-first +second):\n%s", diff)
	}
	assert.Equal(t, Checksum(ruleID, eventID), first.Checksum)
	assert.Equal(t, in.Now, first.ComputedAt)
}

func TestComputeRejectsMismatchedInputs(t *testing.T) {
	c := newCalculator()
	rule := makeRule(domain.RuleTypeFixed, domain.Parameters{FlatAmount: i64(1)})

	event := makeEvent(100)
	event.Type = domain.EventTypeOrderPlaced
	_, err := c.Compute(event, rule, Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrTriggerMismatch)

	event = makeEvent(100)
	event.SubjectID = subjectID + 1
	_, err = c.Compute(event, rule, Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrOwnerMismatch)

	_, err = c.Compute(makeEvent(-1), rule, Input{Now: t0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestChecksumDiffersPerPair(t *testing.T) {
	assert.NotEqual(t, Checksum(1, 2), Checksum(2, 1))
	assert.Len(t, Checksum(1, 2), 64)
}

package ruledoc

import (
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/revshare/internal/commission/calculator"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tieredRule = `
id: 11
owner: 500
code: marketplace-volume
type: tiered
trigger: order_placed
effective_from: 2026-01-01T00:00:00Z
tiers:
  - from: 0
    up_to: 10000
    rate: "0.05"
  - from: 10000
    rate: "0.03"
`

const orderEvent = `
id: 21
type: ORDER_PLACED
subject: 500
amount: 20000
currency: usd
occurred_at: 2026-02-10T08:30:00Z
external_ref: order-1
volume: 10001
`

func TestDecodeTieredRuleComputes(t *testing.T) {
	doc, err := DecodeRule(strings.NewReader(tieredRule))
	require.NoError(t, err)
	rule, err := doc.Rule()
	require.NoError(t, err)

	assert.Equal(t, domain.RuleTypeTiered, rule.Type)
	assert.Equal(t, domain.EventTypeOrderPlaced, rule.Trigger)
	assert.Equal(t, 1, rule.Version)
	require.Len(t, rule.Parameters.Data().Tiers, 2)
	assert.Nil(t, rule.Parameters.Data().Tiers[1].UpTo)

	evDoc, err := DecodeEvent(strings.NewReader(orderEvent))
	require.NoError(t, err)
	event := evDoc.Event()
	assert.Equal(t, "USD", event.Currency)

	calc := calculator.New(calculator.Params{Log: zap.NewNop()})
	record, err := calc.Compute(event, rule, calculator.Input{Now: event.OccurredAt.Add(time.Hour), Volume: evDoc.Volume})
	require.NoError(t, err)
	assert.Equal(t, int64(600), record.Amount)
}

func TestCreateRequestKeepsRateExact(t *testing.T) {
	doc, err := DecodeRule(strings.NewReader(`
owner: 9
code: affiliate
type: HYBRID
trigger: SALE_COMPLETED
effective_from: 2026-01-01T00:00:00Z
effective_to: 2026-07-01T00:00:00Z
rate: "0.125"
flat_amount: -50
`))
	require.NoError(t, err)

	req, err := doc.CreateRequest()
	require.NoError(t, err)
	require.NotNil(t, req.Parameters.Rate)
	assert.Equal(t, "0.125", req.Parameters.Rate.String())
	require.NotNil(t, req.Parameters.FlatAmount)
	assert.Equal(t, int64(-50), *req.Parameters.FlatAmount)
	require.NotNil(t, req.EffectiveTo)
	assert.Equal(t, time.UTC, req.EffectiveTo.Location())
}

func TestDecodeRejectsUnknownFieldsAndBadRates(t *testing.T) {
	_, err := DecodeRule(strings.NewReader("code: x\npercent: 5\n"))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	doc, err := DecodeRule(strings.NewReader("code: x\nrate: five\n"))
	require.NoError(t, err)
	_, err = doc.CreateRequest()
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

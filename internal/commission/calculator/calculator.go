// Package calculator turns an event and a rule into a commission record.
// It performs no I/O; the caller supplies the clock reading and the
// subject's cumulative volume.
package calculator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/smallbiznis/revshare/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Input carries everything Compute needs besides the event and rule.
type Input struct {
	Now time.Time
	// Volume is the subject's cumulative volume as of the event, used by TIERED rules.
	Volume int64
}

type Calculator struct {
	log     *zap.Logger
	metrics *metrics.EngineMetrics
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func New(p Params) *Calculator {
	return &Calculator{
		log:     p.Log.Named("commission.calculator"),
		metrics: p.Metrics,
	}
}

// Compute returns the commission record earned by event under rule. The
// record has no ID; the caller assigns one when persisting it.
func (c *Calculator) Compute(event domain.Event, rule domain.Rule, in Input) (domain.Record, error) {
	if rule.Trigger != event.Type {
		return domain.Record{}, domain.ErrTriggerMismatch
	}
	if rule.OwnerID != event.SubjectID {
		return domain.Record{}, domain.ErrOwnerMismatch
	}
	if event.Amount < 0 {
		return domain.Record{}, domain.ErrInvalidAmount
	}
	if err := Validate(rule); err != nil {
		return domain.Record{}, err
	}

	params := rule.Parameters.Data()
	var amount int64
	switch rule.Type {
	case domain.RuleTypePercentage:
		amount = applyRate(event.Amount, *params.Rate)
	case domain.RuleTypeFixed:
		amount = *params.FlatAmount
	case domain.RuleTypeHybrid:
		amount = *params.FlatAmount + applyRate(event.Amount, *params.Rate)
	case domain.RuleTypeTiered:
		band, ok := selectBand(params.Tiers, in.Volume)
		if !ok {
			return domain.Record{}, domain.InvalidRule(rule.ID, "no tier covers volume %d", in.Volume)
		}
		if band.Rate != nil {
			amount = applyRate(event.Amount, *band.Rate)
		} else {
			amount = *band.FlatAmount
		}
	}

	clamped := false
	if amount < 0 {
		c.log.Warn("negative commission clamped to zero",
			zap.String("rule_id", rule.ID.String()),
			zap.String("event_id", event.ID.String()),
			zap.Int64("computed_amount", amount),
		)
		c.metrics.IncClamped()
		amount = 0
		clamped = true
	}

	return domain.Record{
		RuleID:     rule.ID,
		EventID:    event.ID,
		SubjectID:  event.SubjectID,
		Amount:     amount,
		Currency:   event.Currency,
		Kind:       domain.RecordKindCommission,
		Status:     domain.RecordStatusPending,
		Clamped:    clamped,
		Checksum:   Checksum(rule.ID, event.ID),
		ComputedAt: in.Now.UTC(),
	}, nil
}

// applyRate multiplies in exact decimal arithmetic and rounds half away from zero.
func applyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Checksum identifies the (rule, event) pair; at most one record may carry it.
func Checksum(ruleID, eventID snowflake.ID) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{ruleID.String(), eventID.String()}, "|")))
	return hex.EncodeToString(sum[:])
}

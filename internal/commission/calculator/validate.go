package calculator

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/commission/domain"
)

var one = decimal.NewFromInt(1)

// Validate checks that the rule parameters match the shape its type requires.
func Validate(rule domain.Rule) error {
	params := rule.Parameters.Data()
	switch rule.Type {
	case domain.RuleTypePercentage:
		return validateRate(rule, params.Rate)
	case domain.RuleTypeFixed:
		if params.FlatAmount == nil {
			return domain.InvalidRule(rule.ID, "fixed rule requires flat_amount")
		}
		if *params.FlatAmount < 0 {
			return domain.InvalidRule(rule.ID, "flat_amount %d is negative", *params.FlatAmount)
		}
		return nil
	case domain.RuleTypeHybrid:
		// A negative flat_amount is allowed here as a discount on the rate
		// part; Compute clamps a negative total to zero.
		if params.FlatAmount == nil {
			return domain.InvalidRule(rule.ID, "hybrid rule requires flat_amount")
		}
		return validateRate(rule, params.Rate)
	case domain.RuleTypeTiered:
		_, err := orderedBands(rule, params.Tiers)
		return err
	default:
		return domain.InvalidRule(rule.ID, "unknown rule type %q", rule.Type)
	}
}

func validateRate(rule domain.Rule, rate *decimal.Decimal) error {
	if rate == nil {
		return domain.InvalidRule(rule.ID, "%s rule requires rate", rule.Type)
	}
	if rate.IsNegative() || rate.GreaterThan(one) {
		return domain.InvalidRule(rule.ID, "rate %s outside [0,1]", rate.String())
	}
	return nil
}

// orderedBands returns the bands sorted by lower bound after checking that
// they are well formed and do not overlap. Adjacent bands may share a
// boundary value.
func orderedBands(rule domain.Rule, tiers []domain.TierBand) ([]domain.TierBand, error) {
	if len(tiers) == 0 {
		return nil, domain.InvalidRule(rule.ID, "tiered rule has no bands")
	}

	bands := make([]domain.TierBand, len(tiers))
	copy(bands, tiers)
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].From < bands[j].From })

	for i, band := range bands {
		if band.From < 0 {
			return nil, domain.InvalidRule(rule.ID, "band %d starts below zero", i)
		}
		if band.UpTo != nil && *band.UpTo < band.From {
			return nil, domain.InvalidRule(rule.ID, "band %d ends before it starts", i)
		}
		if (band.Rate == nil) == (band.FlatAmount == nil) {
			return nil, domain.InvalidRule(rule.ID, "band %d must set exactly one of rate and flat_amount", i)
		}
		if band.Rate != nil && (band.Rate.IsNegative() || band.Rate.GreaterThan(one)) {
			return nil, domain.InvalidRule(rule.ID, "band %d rate %s outside [0,1]", i, band.Rate.String())
		}
		if band.FlatAmount != nil && *band.FlatAmount < 0 {
			return nil, domain.InvalidRule(rule.ID, "band %d flat_amount is negative", i)
		}
		if i == 0 {
			continue
		}
		prev := bands[i-1]
		if prev.UpTo == nil {
			return nil, domain.InvalidRule(rule.ID, "open band at %d is not the last band", prev.From)
		}
		if band.From < *prev.UpTo || band.From == prev.From {
			return nil, domain.InvalidRule(rule.ID, "bands starting at %d and %d overlap", prev.From, band.From)
		}
	}
	return bands, nil
}

// selectBand returns the band containing volume. Bands are scanned from the
// highest lower bound down so a shared boundary resolves to the higher band.
// tiers must already be valid.
func selectBand(tiers []domain.TierBand, volume int64) (domain.TierBand, bool) {
	bands := make([]domain.TierBand, len(tiers))
	copy(bands, tiers)
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].From < bands[j].From })

	for i := len(bands) - 1; i >= 0; i-- {
		band := bands[i]
		if volume < band.From {
			continue
		}
		if band.UpTo == nil || volume <= *band.UpTo {
			return band, true
		}
		return domain.TierBand{}, false
	}
	return domain.TierBand{}, false
}

package calculator

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func ruleVersion(id snowflake.ID, version int, supersedes *snowflake.ID, createdAt time.Time) domain.Rule {
	rule := makeRule(domain.RuleTypeFixed, domain.Parameters{FlatAmount: i64(int64(version))})
	rule.ID = id
	rule.Version = version
	rule.SupersedesID = supersedes
	rule.CreatedAt = createdAt
	return rule
}

func TestSelectRuleFiltersByOwnerTriggerAndWindow(t *testing.T) {
	c := newCalculator()
	event := makeEvent(100)

	otherOwner := ruleVersion(1, 1, nil, t0.AddDate(0, -2, 0))
	otherOwner.OwnerID = subjectID + 1

	otherTrigger := ruleVersion(2, 1, nil, t0.AddDate(0, -2, 0))
	otherTrigger.Trigger = domain.EventTypeOrderPlaced

	expired := ruleVersion(3, 1, nil, t0.AddDate(0, -2, 0))
	end := t0
	expired.EffectiveTo = &end

	future := ruleVersion(4, 1, nil, t0.AddDate(0, -2, 0))
	future.EffectiveFrom = t0.Add(time.Second)

	active := ruleVersion(5, 1, nil, t0.AddDate(0, -2, 0))
	active.EffectiveFrom = t0

	selected, err := c.SelectRule([]domain.Rule{otherOwner, otherTrigger, expired, future, active}, event, "")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(5), selected.ID)
}

func TestSelectRuleNoMatch(t *testing.T) {
	c := newCalculator()
	_, err := c.SelectRule(nil, makeEvent(100), "")
	require.ErrorIs(t, err, domain.ErrNoApplicableRule)

	var noRule *domain.NoApplicableRuleError
	require.True(t, errors.As(err, &noRule))
	assert.Equal(t, subjectID, noRule.SubjectID)
	assert.Equal(t, domain.EventTypeSaleCompleted, noRule.EventType)
}

func TestSelectRuleDiscardsSupersededVersions(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(Params{Log: zap.New(core)})

	v1 := ruleVersion(10, 1, nil, t0.AddDate(0, -2, 0))
	v1ID := v1.ID
	v2 := ruleVersion(11, 2, &v1ID, t0.AddDate(0, -1, 0))

	selected, err := c.SelectRule([]domain.Rule{v2, v1}, makeEvent(100), "")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(11), selected.ID)
	assert.Zero(t, logs.Len(), "a superseded version is not an ambiguity")
}

func TestSelectRuleAmbiguousPicksMostRecentAndWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := New(Params{Log: zap.New(core)})

	older := ruleVersion(20, 1, nil, t0.AddDate(0, -2, 0))
	newer := ruleVersion(21, 1, nil, t0.AddDate(0, -1, 0))
	newer.Code = "promo"
	sameTime := ruleVersion(19, 1, nil, t0.AddDate(0, -1, 0))
	sameTime.Code = "promo-2"

	selected, err := c.SelectRule([]domain.Rule{older, sameTime, newer}, makeEvent(100), "")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(21), selected.ID, "latest created wins, highest id on ties")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "21", logs.All()[0].ContextMap()["selected_rule_id"])
}

func TestSelectRulePrefersTierScopedRules(t *testing.T) {
	c := newCalculator()

	general := ruleVersion(30, 1, nil, t0.AddDate(0, -1, 0))
	gold := ruleVersion(31, 1, nil, t0.AddDate(0, -2, 0))
	gold.Code = "gold"
	gold.VendorTier = "gold"

	selected, err := c.SelectRule([]domain.Rule{general, gold}, makeEvent(100), "gold")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(31), selected.ID)

	selected, err = c.SelectRule([]domain.Rule{general, gold}, makeEvent(100), "silver")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(30), selected.ID)

	_, err = c.SelectRule([]domain.Rule{gold}, makeEvent(100), "")
	assert.ErrorIs(t, err, domain.ErrNoApplicableRule)
}

package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/revshare/internal/commission/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleCacheRoundTripAndInvalidate(t *testing.T) {
	c := NewRuleCache(time.Minute)

	_, ok := c.Get(1, domain.EventTypeOrderPlaced)
	assert.False(t, ok)

	rules := []domain.Rule{{ID: 10, Code: "a"}}
	c.Set(1, domain.EventTypeOrderPlaced, rules)
	rules[0].Code = "mutated"

	got, ok := c.Get(1, domain.EventTypeOrderPlaced)
	require.True(t, ok)
	assert.Equal(t, "a", got[0].Code)

	_, ok = c.Get(1, domain.EventTypeSaleCompleted)
	assert.False(t, ok)

	c.Invalidate(1, domain.EventTypeOrderPlaced)
	_, ok = c.Get(1, domain.EventTypeOrderPlaced)
	assert.False(t, ok)
}

func TestRuleCacheExpires(t *testing.T) {
	c := NewRuleCache(20 * time.Millisecond)
	c.Set(2, domain.EventTypeSaleCompleted, []domain.Rule{{ID: 1}})
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get(2, domain.EventTypeSaleCompleted)
	assert.False(t, ok)
}

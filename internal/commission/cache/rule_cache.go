// Package cache keeps recently loaded rule sets in memory, keyed by owner and trigger.
package cache

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	gocache "github.com/patrickmn/go-cache"
	"github.com/smallbiznis/revshare/internal/commission/domain"
)

type RuleCache struct {
	c *gocache.Cache
}

func NewRuleCache(ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RuleCache{c: gocache.New(ttl, 2*ttl)}
}

func (r *RuleCache) Get(ownerID snowflake.ID, trigger domain.EventType) ([]domain.Rule, bool) {
	v, ok := r.c.Get(key(ownerID, trigger))
	if !ok {
		return nil, false
	}
	rules, ok := v.([]domain.Rule)
	return rules, ok
}

// Set stores a copy of rules; callers may keep mutating their slice.
func (r *RuleCache) Set(ownerID snowflake.ID, trigger domain.EventType, rules []domain.Rule) {
	stored := make([]domain.Rule, len(rules))
	copy(stored, rules)
	r.c.SetDefault(key(ownerID, trigger), stored)
}

func (r *RuleCache) Invalidate(ownerID snowflake.ID, trigger domain.EventType) {
	r.c.Delete(key(ownerID, trigger))
}

func key(ownerID snowflake.ID, trigger domain.EventType) string {
	return fmt.Sprintf("%s|%s", ownerID, trigger)
}

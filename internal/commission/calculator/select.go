package calculator

import (
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"go.uber.org/zap"
)

// SelectRule picks the rule that governs event from rules. A candidate is
// owned by the event subject, triggered by the event type and active at
// OccurredAt. Rules scoped to subjectTier take precedence over unscoped
// ones, and a version superseded by another candidate is discarded. Several
// remaining candidates are an anomaly: the newest wins and a warning is
// recorded.
func (c *Calculator) SelectRule(rules []domain.Rule, event domain.Event, subjectTier string) (domain.Rule, error) {
	var scoped, unscoped []domain.Rule
	for _, rule := range rules {
		if rule.OwnerID != event.SubjectID || rule.Trigger != event.Type || !rule.ActiveAt(event.OccurredAt) {
			continue
		}
		switch {
		case rule.VendorTier == "":
			unscoped = append(unscoped, rule)
		case subjectTier != "" && rule.VendorTier == subjectTier:
			scoped = append(scoped, rule)
		}
	}

	candidates := unscoped
	if len(scoped) > 0 {
		candidates = scoped
	}
	candidates = dropSuperseded(candidates)

	if len(candidates) == 0 {
		return domain.Rule{}, &domain.NoApplicableRuleError{
			SubjectID: event.SubjectID,
			EventType: event.Type,
			At:        event.OccurredAt.UTC(),
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if len(candidates) > 1 {
		ids := make([]string, 0, len(candidates))
		for _, rule := range candidates {
			ids = append(ids, rule.ID.String())
		}
		c.log.Warn("multiple commission rules matched event; using most recent",
			zap.String("event_id", event.ID.String()),
			zap.String("subject_id", event.SubjectID.String()),
			zap.String("selected_rule_id", candidates[0].ID.String()),
			zap.Strings("candidate_rule_ids", ids),
		)
		c.metrics.IncRuleAmbiguous()
	}
	return candidates[0], nil
}

func dropSuperseded(rules []domain.Rule) []domain.Rule {
	superseded := make(map[snowflake.ID]struct{}, len(rules))
	for _, rule := range rules {
		if rule.SupersedesID != nil {
			superseded[*rule.SupersedesID] = struct{}{}
		}
	}
	kept := rules[:0:0]
	for _, rule := range rules {
		if _, ok := superseded[rule.ID]; ok {
			continue
		}
		kept = append(kept, rule)
	}
	return kept
}

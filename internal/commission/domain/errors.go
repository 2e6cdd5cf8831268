package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidRule      = errors.New("invalid_rule")
	ErrNoApplicableRule = errors.New("no_applicable_rule")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidOwner     = errors.New("invalid_owner")
	ErrInvalidCode      = errors.New("invalid_code")
	ErrInvalidWindow    = errors.New("invalid_effective_window")
	ErrInvalidTrigger   = errors.New("invalid_trigger")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrTriggerMismatch  = errors.New("trigger_mismatch")
	ErrOwnerMismatch    = errors.New("owner_mismatch")
	ErrEventRefunded    = errors.New("event_refunded")
	ErrEventNotFound    = errors.New("event_not_found")
	ErrRuleNotFound     = errors.New("rule_not_found")
	ErrRuleSuperseded   = errors.New("rule_superseded")
	ErrRuleExists       = errors.New("rule_already_exists")
	ErrEventRefConflict = errors.New("event_external_ref_conflict")
	ErrRefundOfRefund   = errors.New("refund_of_refund")
	ErrEventBusy        = errors.New("event_busy")
)

// RuleError reports a malformed rule. It matches ErrInvalidRule.
type RuleError struct {
	RuleID snowflake.ID
	Reason string
}

func (e *RuleError) Error() string {
	if e.RuleID == 0 {
		return fmt.Sprintf("invalid rule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s", e.RuleID, e.Reason)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

func InvalidRule(ruleID snowflake.ID, format string, args ...any) error {
	return &RuleError{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)}
}

// NoApplicableRuleError reports that no rule matched an event. It matches ErrNoApplicableRule.
type NoApplicableRuleError struct {
	SubjectID snowflake.ID
	EventType EventType
	At        time.Time
}

func (e *NoApplicableRuleError) Error() string {
	return fmt.Sprintf("no applicable %s rule for subject %s at %s",
		e.EventType, e.SubjectID, e.At.UTC().Format(time.RFC3339))
}

func (e *NoApplicableRuleError) Unwrap() error { return ErrNoApplicableRule }

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RuleType string

const (
	RuleTypePercentage RuleType = "PERCENTAGE"
	RuleTypeFixed      RuleType = "FIXED"
	RuleTypeTiered     RuleType = "TIERED"
	RuleTypeHybrid     RuleType = "HYBRID"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypePercentage, RuleTypeFixed, RuleTypeTiered, RuleTypeHybrid:
		return true
	}
	return false
}

type EventType string

const (
	EventTypeOrderPlaced         EventType = "ORDER_PLACED"
	EventTypeSubscriptionRenewal EventType = "SUBSCRIPTION_RENEWAL"
	EventTypeSubscriptionCharge  EventType = "SUBSCRIPTION_CHARGE"
	EventTypeSaleCompleted       EventType = "SALE_COMPLETED"
	// EventTypeRefund never triggers a rule; it reverses the event it references.
	EventTypeRefund EventType = "REFUND"
)

// IsTrigger reports whether rules may be attached to the event type.
func (t EventType) IsTrigger() bool {
	switch t {
	case EventTypeOrderPlaced, EventTypeSubscriptionRenewal, EventTypeSubscriptionCharge, EventTypeSaleCompleted:
		return true
	}
	return false
}

type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "PENDING"
	RecordStatusCleared  RecordStatus = "CLEARED"
	RecordStatusPaid     RecordStatus = "PAID"
	RecordStatusReversed RecordStatus = "REVERSED"
)

type RecordKind string

const (
	RecordKindCommission RecordKind = "COMMISSION"
	RecordKindReversal   RecordKind = "REVERSAL"
)

// TierBand covers volumes in [From, UpTo]; a nil UpTo is open ended.
// Exactly one of Rate and FlatAmount is set.
type TierBand struct {
	From       int64            `json:"from"`
	UpTo       *int64           `json:"up_to,omitempty"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	FlatAmount *int64           `json:"flat_amount,omitempty"`
}

type Parameters struct {
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	FlatAmount *int64           `json:"flat_amount,omitempty"`
	Tiers      []TierBand       `json:"tiers,omitempty"`
}

// Rule is one immutable version of a commission scheme. Versions sharing a
// Code form a lineage; each revision points at the version it supersedes.
type Rule struct {
	ID            snowflake.ID                     `json:"id" gorm:"primaryKey"`
	OwnerID       snowflake.ID                     `json:"owner_id" gorm:"not null;uniqueIndex:ux_commission_rules_version,priority:1;index:idx_commission_rules_owner_trigger,priority:1"`
	Code          string                           `json:"code" gorm:"type:varchar(100);not null;uniqueIndex:ux_commission_rules_version,priority:2"`
	Version       int                              `json:"version" gorm:"not null;uniqueIndex:ux_commission_rules_version,priority:3"`
	SupersedesID  *snowflake.ID                    `json:"supersedes_id,omitempty"`
	Type          RuleType                         `json:"type" gorm:"type:varchar(20);not null"`
	Trigger       EventType                        `json:"trigger" gorm:"column:trigger_event;type:varchar(40);not null;index:idx_commission_rules_owner_trigger,priority:2"`
	Parameters    datatypes.JSONType[Parameters]   `json:"parameters" gorm:"not null"`
	VendorTier    string                           `json:"vendor_tier,omitempty" gorm:"type:varchar(40);not null;default:''"`
	EffectiveFrom time.Time                        `json:"effective_from" gorm:"not null"`
	EffectiveTo   *time.Time                       `json:"effective_to,omitempty"`
	CreatedAt     time.Time                        `json:"created_at" gorm:"not null"`
}

func (Rule) TableName() string { return "commission_rules" }

// ActiveAt reports whether at falls inside the half-open window [EffectiveFrom, EffectiveTo).
func (r Rule) ActiveAt(at time.Time) bool {
	at = at.UTC()
	if at.Before(r.EffectiveFrom.UTC()) {
		return false
	}
	return r.EffectiveTo == nil || at.Before(r.EffectiveTo.UTC())
}

// Event is an immutable fact that may earn commission for SubjectID.
type Event struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	Type            EventType     `json:"type" gorm:"type:varchar(40);not null;uniqueIndex:ux_commission_events_ref,priority:1;index:idx_commission_events_subject,priority:2"`
	SubjectID       snowflake.ID  `json:"subject_id" gorm:"not null;index:idx_commission_events_subject,priority:1"`
	Amount          int64         `json:"amount" gorm:"not null"`
	Currency        string        `json:"currency" gorm:"type:char(3);not null"`
	OccurredAt      time.Time     `json:"occurred_at" gorm:"not null;index:idx_commission_events_subject,priority:3"`
	ExternalRef     string        `json:"external_ref" gorm:"type:varchar(191);not null;uniqueIndex:ux_commission_events_ref,priority:2"`
	ReversesEventID *snowflake.ID `json:"reverses_event_id,omitempty" gorm:"index"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
}

func (Event) TableName() string { return "commission_events" }

// Record is a computed commission or a compensating reversal. Rows are never
// updated; Status is folded from transitions when the record is read.
type Record struct {
	ID           snowflake.ID  `json:"id" gorm:"primaryKey"`
	RuleID       snowflake.ID  `json:"rule_id" gorm:"not null;index"`
	EventID      snowflake.ID  `json:"event_id" gorm:"not null;index"`
	SubjectID    snowflake.ID  `json:"subject_id" gorm:"not null;index"`
	Amount       int64         `json:"amount" gorm:"not null"`
	Currency     string        `json:"currency" gorm:"type:char(3);not null"`
	Kind         RecordKind    `json:"kind" gorm:"type:varchar(20);not null"`
	Clamped      bool          `json:"clamped" gorm:"not null;default:false"`
	SupersedesID *snowflake.ID `json:"supersedes_id,omitempty" gorm:"index"`
	Checksum     string        `json:"checksum" gorm:"type:char(64);not null;uniqueIndex"`
	ComputedAt   time.Time     `json:"computed_at" gorm:"not null"`
	CreatedAt    time.Time     `json:"created_at" gorm:"not null"`

	Status RecordStatus `json:"status" gorm:"-"`
}

func (Record) TableName() string { return "commission_records" }

// InitialStatus is the status a record holds before any transition.
func (r Record) InitialStatus() RecordStatus {
	if r.Kind == RecordKindReversal {
		return RecordStatusReversed
	}
	return RecordStatusPending
}

// RecordTransition is an append-only status change of a record.
type RecordTransition struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	RecordID   snowflake.ID `json:"record_id" gorm:"not null;uniqueIndex:ux_commission_record_transitions,priority:1"`
	FromStatus RecordStatus `json:"from_status" gorm:"type:varchar(20);not null"`
	ToStatus   RecordStatus `json:"to_status" gorm:"type:varchar(20);not null;uniqueIndex:ux_commission_record_transitions,priority:2"`
	BatchID    string       `json:"batch_id" gorm:"type:varchar(40);not null;index"`
	Reference  string       `json:"reference,omitempty" gorm:"type:varchar(191);not null;default:''"`
	OccurredAt time.Time    `json:"occurred_at" gorm:"not null"`
}

func (RecordTransition) TableName() string { return "commission_record_transitions" }

type EvaluationOutcome string

const (
	OutcomeComputed         EvaluationOutcome = "computed"
	OutcomeNoApplicableRule EvaluationOutcome = "no_applicable_rule"
	OutcomeInvalidRule      EvaluationOutcome = "invalid_rule"
	OutcomeRefunded         EvaluationOutcome = "refunded"
)

// Evaluation logs one attempt to compute commission for an event.
type Evaluation struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	EventID     snowflake.ID      `json:"event_id" gorm:"not null;index"`
	RuleID      *snowflake.ID     `json:"rule_id,omitempty"`
	Outcome     EvaluationOutcome `json:"outcome" gorm:"type:varchar(40);not null"`
	Detail      string            `json:"detail,omitempty" gorm:"type:text;not null;default:''"`
	EvaluatedAt time.Time         `json:"evaluated_at" gorm:"not null"`
}

func (Evaluation) TableName() string { return "commission_evaluations" }

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	ReviseRule(ctx context.Context, req ReviseRuleRequest) (*Rule, error)
	GetRule(ctx context.Context, id snowflake.ID) (*Rule, error)

	RecordEvent(ctx context.Context, req RecordEventRequest) (*Event, error)
	// RecordEventTx records the event inside a transaction owned by the caller.
	RecordEventTx(ctx context.Context, tx *gorm.DB, req RecordEventRequest) (*Event, error)

	ComputeForEvent(ctx context.Context, eventID snowflake.ID, now time.Time) (*Record, error)
	ComputePending(ctx context.Context, now time.Time, limit int) (ComputeSummary, error)

	ListRecords(ctx context.Context, req ListRecordsRequest) (*ListRecordsResponse, error)
}

type CreateRuleRequest struct {
	OwnerID       snowflake.ID
	Code          string
	Type          RuleType
	Trigger       EventType
	Parameters    Parameters
	VendorTier    string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// ReviseRuleRequest creates the next version of RuleID's lineage. RuleID must
// be the latest version.
type ReviseRuleRequest struct {
	RuleID        snowflake.ID
	Type          RuleType
	Parameters    Parameters
	VendorTier    string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

type RecordEventRequest struct {
	Type        EventType
	SubjectID   snowflake.ID
	Amount      int64
	Currency    string
	OccurredAt  time.Time
	ExternalRef string
}

type ComputeSummary struct {
	Scanned    int
	Computed   int
	Skipped    int
	Duplicates int
	Failed     int
}

type ListRecordsRequest struct {
	SubjectID snowflake.ID
	pagination.Pagination
}

type ListRecordsResponse struct {
	Records  []Record
	PageInfo pagination.PageInfo
}

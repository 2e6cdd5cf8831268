package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidSubject   = errors.New("invalid_subject")
	ErrInvalidPayoutRef = errors.New("invalid_payout_ref")
	ErrRecordNotFound   = errors.New("record_not_found")
	ErrNotCleared       = errors.New("record_not_cleared")
	ErrNotReversible    = errors.New("record_not_reversible")
	ErrSubjectBusy      = errors.New("subject_busy")
	ErrConcurrentChange = errors.New("concurrent_status_change")
)

type Service interface {
	// ClearSubject moves every eligible PENDING record of the subject to
	// CLEARED in one transaction.
	ClearSubject(ctx context.Context, subjectID snowflake.ID, now time.Time) (*ClearResult, error)
	ClearAll(ctx context.Context, now time.Time) (ClearAllSummary, error)

	RefundEvent(ctx context.Context, req RefundRequest) (*RefundResult, error)
	RefundEventTx(ctx context.Context, tx *gorm.DB, req RefundRequest) (*RefundResult, error)
	// ReconcileRefunds appends reversals missing for refunded events, such as
	// records cleared concurrently with the refund.
	ReconcileRefunds(ctx context.Context, now time.Time, limit int) (int, error)

	MarkPaid(ctx context.Context, req MarkPaidRequest) ([]commissiondomain.Record, error)
	Balance(ctx context.Context, subjectID snowflake.ID) (map[string]int64, error)
}

type ClearResult struct {
	SubjectID snowflake.ID   `json:"subject_id"`
	BatchID   string         `json:"batch_id"`
	RecordIDs []snowflake.ID `json:"record_ids"`
	// Amounts totals the cleared records per currency.
	Amounts map[string]int64 `json:"amounts"`
}

type ClearAllSummary struct {
	Subjects int `json:"subjects"`
	Cleared  int `json:"cleared"`
	Failed   int `json:"failed"`
}

type RefundRequest struct {
	EventID snowflake.ID
	// ExternalRef identifies the refund; it defaults to one derived from EventID
	// so repeating a refund is harmless.
	ExternalRef string
	OccurredAt  time.Time
}

type RefundResult struct {
	Refund    commissiondomain.Event    `json:"refund"`
	Reversals []commissiondomain.Record `json:"reversals"`
}

type MarkPaidRequest struct {
	RecordIDs []snowflake.ID
	PayoutRef string
	PaidAt    time.Time
}

// Repository holds the clearance read models over commission tables. Writes
// go through the commission repository and the transition store.
type Repository interface {
	// ListPendingSubjects returns subjects with at least one commission record
	// that has no transition yet and whose event was not refunded.
	ListPendingSubjects(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
	ListPendingRecords(ctx context.Context, db *gorm.DB, subjectID snowflake.ID) ([]commissiondomain.Record, error)
	RefundedEventIDs(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) (map[snowflake.ID]struct{}, error)
	// ListEventsMissingReversal returns refunded events holding a CLEARED or
	// PAID commission that has no reversal.
	ListEventsMissingReversal(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
	ListSubjectRecords(ctx context.Context, db *gorm.DB, subjectID snowflake.ID) ([]commissiondomain.Record, error)
}

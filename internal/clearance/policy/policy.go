// Package policy decides when commission records may move between statuses.
// Its functions are pure; persistence belongs to the clearance service.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	"github.com/smallbiznis/revshare/internal/commission/domain"
)

var forward = map[domain.RecordStatus]domain.RecordStatus{
	domain.RecordStatusPending: domain.RecordStatusCleared,
	domain.RecordStatusCleared: domain.RecordStatusPaid,
}

// EligibleForClearance reports whether a PENDING commission has aged past
// window and its event was never refunded. Times are compared in UTC.
func EligibleForClearance(record domain.Record, now time.Time, window time.Duration, reversed bool) bool {
	if reversed || record.Kind != domain.RecordKindCommission || record.Status != domain.RecordStatusPending {
		return false
	}
	return now.UTC().Sub(record.ComputedAt.UTC()) >= window
}

// CanTransition reports whether a record may move from one status to
// another through a transition row. REVERSED is reached only by a
// compensating record.
func CanTransition(from, to domain.RecordStatus) bool {
	next, ok := forward[from]
	return ok && next == to
}

// Reverse builds the compensating record for a CLEARED or PAID commission.
// The caller assigns the ID.
func Reverse(record domain.Record, now time.Time) (domain.Record, error) {
	if record.Kind != domain.RecordKindCommission {
		return domain.Record{}, clearancedomain.ErrNotReversible
	}
	if record.Status != domain.RecordStatusCleared && record.Status != domain.RecordStatusPaid {
		return domain.Record{}, clearancedomain.ErrNotReversible
	}
	original := record.ID
	return domain.Record{
		RuleID:       record.RuleID,
		EventID:      record.EventID,
		SubjectID:    record.SubjectID,
		Amount:       -record.Amount,
		Currency:     record.Currency,
		Kind:         domain.RecordKindReversal,
		SupersedesID: &original,
		Checksum:     ReversalChecksum(record.ID),
		ComputedAt:   now.UTC(),
		Status:       domain.RecordStatusReversed,
	}, nil
}

// ReversalChecksum allows at most one reversal per original record.
func ReversalChecksum(recordID snowflake.ID) string {
	sum := sha256.Sum256([]byte("reversal|" + recordID.String()))
	return hex.EncodeToString(sum[:])
}

// Net totals records per currency. A commission and its reversal net to zero.
// A PENDING commission whose event is in refunded never clears and is left out.
func Net(records []domain.Record, refunded map[snowflake.ID]struct{}) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range records {
		amount := r.Amount
		if _, ok := refunded[r.EventID]; ok && r.Kind == domain.RecordKindCommission && r.Status == domain.RecordStatusPending {
			amount = 0
		}
		out[r.Currency] += amount
	}
	return out
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository exposes insert and read access only. Rules, events and records
// have no update or delete path.
type Repository interface {
	InsertRule(ctx context.Context, db *gorm.DB, rule *Rule) error
	FindRuleByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Rule, error)
	FindLatestVersion(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, code string) (*Rule, error)
	ListRules(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, trigger EventType) ([]Rule, error)

	// InsertEventIfAbsent reports false when an event with the same type and
	// external ref already exists.
	InsertEventIfAbsent(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	FindEventByRef(ctx context.Context, db *gorm.DB, eventType EventType, externalRef string) (*Event, error)
	FindRefundOf(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*Event, error)
	// SumVolume totals the subject's non-refunded events of the given type that
	// occurred at or before at.
	SumVolume(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, eventType EventType, at time.Time) (int64, error)
	ListUncomputedEvents(ctx context.Context, db *gorm.DB, limit int) ([]Event, error)

	// InsertRecordIfAbsent reports false when a record with the same checksum already exists.
	InsertRecordIfAbsent(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	FindRecordByChecksum(ctx context.Context, db *gorm.DB, checksum string) (*Record, error)
	FindRecordsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Record, error)
	ListRecordsByEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) ([]Record, error)
	ListRecordsBySubject(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, afterID snowflake.ID, limit int) ([]Record, error)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertRule(ctx context.Context, db *gorm.DB, rule *domain.Rule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) FindRuleByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Rule, error) {
	var rule domain.Rule
	err := db.WithContext(ctx).Where("id = ?", id).Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repo) FindLatestVersion(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, code string) (*domain.Rule, error) {
	var rule domain.Rule
	err := db.WithContext(ctx).
		Where("owner_id = ? AND code = ?", ownerID, code).
		Order("version DESC").
		Take(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *repo) ListRules(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, trigger domain.EventType) ([]domain.Rule, error) {
	var rules []domain.Rule
	err := db.WithContext(ctx).
		Where("owner_id = ? AND trigger_event = ?", ownerID, trigger).
		Order("created_at ASC, id ASC").
		Find(&rules).Error
	return rules, err
}

func (r *repo) InsertEventIfAbsent(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "type"}, {Name: "external_ref"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindEventByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	return r.findEvent(ctx, db, "id = ?", id)
}

func (r *repo) FindEventByRef(ctx context.Context, db *gorm.DB, eventType domain.EventType, externalRef string) (*domain.Event, error) {
	return r.findEvent(ctx, db, "type = ? AND external_ref = ?", eventType, externalRef)
}

func (r *repo) FindRefundOf(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*domain.Event, error) {
	return r.findEvent(ctx, db, "type = ? AND reverses_event_id = ?", domain.EventTypeRefund, eventID)
}

func (r *repo) findEvent(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Event, error) {
	var event domain.Event
	err := db.WithContext(ctx).Where(query, args...).Order("id ASC").Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) SumVolume(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, eventType domain.EventType, at time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(e.amount), 0)
		 FROM commission_events e
		 WHERE e.subject_id = ? AND e.type = ? AND e.occurred_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM commission_events rf
		     WHERE rf.type = ? AND rf.reverses_event_id = e.id
		   )`,
		subjectID,
		eventType,
		at.UTC(),
		domain.EventTypeRefund,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListUncomputedEvents(ctx context.Context, db *gorm.DB, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT e.*
		 FROM commission_events e
		 WHERE e.type <> ?
		   AND NOT EXISTS (SELECT 1 FROM commission_records r WHERE r.event_id = e.id)
		   AND NOT EXISTS (SELECT 1 FROM commission_evaluations v WHERE v.event_id = e.id)
		 ORDER BY e.occurred_at ASC, e.id ASC
		 LIMIT ?`,
		domain.EventTypeRefund,
		limit,
	).Scan(&events).Error
	return events, err
}

func (r *repo) InsertRecordIfAbsent(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "checksum"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindRecordByChecksum(ctx context.Context, db *gorm.DB, checksum string) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).Where("checksum = ?", checksum).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records := []domain.Record{record}
	if err := AttachStatus(ctx, db, records); err != nil {
		return nil, err
	}
	return &records[0], nil
}

func (r *repo) FindRecordsByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []domain.Record
	if err := db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, AttachStatus(ctx, db, records)
}

func (r *repo) ListRecordsByEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) ([]domain.Record, error) {
	var records []domain.Record
	if err := db.WithContext(ctx).Where("event_id = ?", eventID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, AttachStatus(ctx, db, records)
}

func (r *repo) ListRecordsBySubject(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, afterID snowflake.ID, limit int) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("subject_id = ? AND id > ?", subjectID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, AttachStatus(ctx, db, records)
}

var statusRank = map[domain.RecordStatus]int{
	domain.RecordStatusPending:  0,
	domain.RecordStatusCleared:  1,
	domain.RecordStatusPaid:     2,
	domain.RecordStatusReversed: 3,
}

// AttachStatus fills Status on each record from its transitions. Transitions
// only move forward, so the furthest one is the current status.
func AttachStatus(ctx context.Context, db *gorm.DB, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, len(records))
	for i := range records {
		ids[i] = records[i].ID
		records[i].Status = records[i].InitialStatus()
	}

	var transitions []domain.RecordTransition
	if err := db.WithContext(ctx).Where("record_id IN ?", ids).Find(&transitions).Error; err != nil {
		return err
	}
	current := make(map[snowflake.ID]domain.RecordStatus, len(transitions))
	for _, t := range transitions {
		if prev, ok := current[t.RecordID]; !ok || statusRank[t.ToStatus] > statusRank[prev] {
			current[t.RecordID] = t.ToStatus
		}
	}
	for i := range records {
		if status, ok := current[records[i].ID]; ok {
			records[i].Status = status
		}
	}
	return nil
}

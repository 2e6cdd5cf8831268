package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/clearance/domain"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	commissionrepo "github.com/smallbiznis/revshare/internal/commission/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListPendingSubjects(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT r.subject_id
		 FROM commission_records r
		 WHERE r.kind = ?
		   AND NOT EXISTS (SELECT 1 FROM commission_record_transitions t WHERE t.record_id = r.id)
		   AND NOT EXISTS (SELECT 1 FROM commission_events rf WHERE rf.reverses_event_id = r.event_id AND rf.type = ?)
		 ORDER BY r.subject_id ASC`,
		commissiondomain.RecordKindCommission,
		commissiondomain.EventTypeRefund,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListPendingRecords(ctx context.Context, db *gorm.DB, subjectID snowflake.ID) ([]commissiondomain.Record, error) {
	var records []commissiondomain.Record
	err := db.WithContext(ctx).
		Where("subject_id = ? AND kind = ?", subjectID, commissiondomain.RecordKindCommission).
		Where("NOT EXISTS (SELECT 1 FROM commission_record_transitions t WHERE t.record_id = commission_records.id)").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Status = commissiondomain.RecordStatusPending
	}
	return records, nil
}

func (r *repo) RefundedEventIDs(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) (map[snowflake.ID]struct{}, error) {
	out := make(map[snowflake.ID]struct{})
	if len(eventIDs) == 0 {
		return out, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&commissiondomain.Event{}).
		Where("type = ? AND reverses_event_id IN ?", commissiondomain.EventTypeRefund, eventIDs).
		Pluck("reverses_event_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *repo) ListEventsMissingReversal(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT r.event_id
		 FROM commission_records r
		 JOIN commission_events rf ON rf.reverses_event_id = r.event_id AND rf.type = ?
		 WHERE r.kind = ?
		   AND EXISTS (
		     SELECT 1 FROM commission_record_transitions t
		     WHERE t.record_id = r.id AND t.to_status IN ?
		   )
		   AND NOT EXISTS (
		     SELECT 1 FROM commission_records rv
		     WHERE rv.supersedes_id = r.id AND rv.kind = ?
		   )
		 ORDER BY r.event_id ASC
		 LIMIT ?`,
		commissiondomain.EventTypeRefund,
		commissiondomain.RecordKindCommission,
		[]commissiondomain.RecordStatus{commissiondomain.RecordStatusCleared, commissiondomain.RecordStatusPaid},
		commissiondomain.RecordKindReversal,
		limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListSubjectRecords(ctx context.Context, db *gorm.DB, subjectID snowflake.ID) ([]commissiondomain.Record, error) {
	var records []commissiondomain.Record
	if err := db.WithContext(ctx).Where("subject_id = ?", subjectID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, commissionrepo.AttachStatus(ctx, db, records)
}

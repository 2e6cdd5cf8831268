package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, parent *domain.ParentOrder, subs []domain.SubOrder) error {
	if err := db.WithContext(ctx).Create(parent).Error; err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).Create(&subs).Error; err != nil {
		return err
	}
	var items []domain.LineItem
	for _, sub := range subs {
		items = append(items, sub.Items...)
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ParentOrder, error) {
	return r.findParent(ctx, db, "id = ?", id)
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*domain.ParentOrder, error) {
	return r.findParent(ctx, db, "external_ref = ?", ref)
}

func (r *repo) findParent(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.ParentOrder, error) {
	var parent domain.ParentOrder
	err := db.WithContext(ctx).Where(query, args...).Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &parent, nil
}

func (r *repo) ListSubOrders(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]domain.SubOrder, error) {
	var subs []domain.SubOrder
	if err := db.WithContext(ctx).Where("parent_order_id = ?", parentID).Order("sequence ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	var items []domain.LineItem
	if err := db.WithContext(ctx).Where("parent_order_id = ?", parentID).Order("position ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	index := make(map[snowflake.ID]int, len(subs))
	for i := range subs {
		index[subs[i].ID] = i
	}
	for _, item := range items {
		if i, ok := index[item.SubOrderID]; ok {
			subs[i].Items = append(subs[i].Items, item)
		}
	}
	return subs, nil
}

func (r *repo) FindSubOrder(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.SubOrder, error) {
	var sub domain.SubOrder
	err := db.WithContext(ctx).Where("id = ?", id).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) UpdateSubOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.SubOrder{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

package repository

import (
	"context"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// ListUnparsed 选出尚未解析的原始事件：raw_events 左连接 events，取 events 为空的行。
// afterID 用于同一轮中跳过已失败的记录。
func (r *EventRepository) ListUnparsed(ctx context.Context, afterID uint64, limit int) ([]*model.RawEvent, error) {
	var rows []*model.RawEvent
	err := r.db.WithContext(ctx).
		Model(&model.RawEvent{}).
		Select("raw_events.*").
		Joins("LEFT JOIN events ON events.raw_events_id = raw_events.id").
		Where("events.id IS NULL AND raw_events.id > ?", afterID).
		Order("raw_events.id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "查询待解析事件失败")
	}
	return rows, nil
}

// InsertBatch 写入结构化事件，raw_events_id 冲突的行静默跳过。
// 返回实际写入条数，调用方据此计算 AlreadyDone。
func (r *EventRepository) InsertBatch(ctx context.Context, events []*model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "raw_events_id"}},
			DoNothing: true,
		}).CreateInBatches(events, 100)
		inserted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "写入events失败")
	}
	return int(inserted), nil
}

// Count 行数
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Event{}).Count(&n).Error; err != nil {
		return 0, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "统计events失败")
	}
	return n, nil
}

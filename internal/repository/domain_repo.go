package repository

import (
	"context"
	"fmt"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DomainRow 领域表行（cgm_readings / basal_deliveries）
type DomainRow interface {
	model.CgmReading | model.BasalDelivery
	TableName() string
}

// DomainRepository 领域表的通用仓储：待抽取事件选择、幂等写入、按时间读取
type DomainRepository[T DomainRow] struct {
	db    *gorm.DB
	table string
}

func NewDomainRepository[T DomainRow](db *gorm.DB) *DomainRepository[T] {
	var zero T
	return &DomainRepository[T]{db: db, table: zero.TableName()}
}

func (r *DomainRepository[T]) Table() string { return r.table }

// ListPending 按事件名前缀选出尚无领域行的结构化事件（events 左连接领域表）
func (r *DomainRepository[T]) ListPending(ctx context.Context, prefixes []string, afterID uint64, limit int) ([]*model.Event, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	names := r.db.Where("events.event_name LIKE ?", prefixes[0]+"%")
	for _, p := range prefixes[1:] {
		names = names.Or("events.event_name LIKE ?", p+"%")
	}

	var events []*model.Event
	err := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Select("events.*").
		Joins(fmt.Sprintf("LEFT JOIN %s d ON d.events_id = events.id", r.table)).
		Where("d.id IS NULL AND events.id > ?", afterID).
		Where(names).
		Order("events.id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "查询待抽取事件失败").WithField("table", r.table)
	}
	return events, nil
}

// Insert events_id 冲突的行静默跳过，返回实际写入条数
func (r *DomainRepository[T]) Insert(ctx context.Context, rows []*T) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "events_id"}},
			DoNothing: true,
		}).CreateInBatches(rows, 100)
		inserted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "写入领域表失败").WithField("table", r.table)
	}
	return int(inserted), nil
}

// ListRange 按 timestamp 过滤读取，零值边界表示不限
func (r *DomainRepository[T]) ListRange(ctx context.Context, tr model.TimeRange, limit int) ([]*T, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	db := r.db.WithContext(ctx).Table(r.table)
	if !tr.Start.IsZero() {
		db = db.Where("timestamp >= ?", tr.Start)
	}
	if !tr.End.IsZero() {
		db = db.Where("timestamp <= ?", tr.End)
	}
	var rows []*T
	if err := db.Order("timestamp ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询%s失败: %w", r.table, err)
	}
	return rows, nil
}

// Count 行数
func (r *DomainRepository[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Table(r.table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计%s失败: %w", r.table, err)
	}
	return n, nil
}

package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"

	"github.com/zeebo/blake3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RawRepository raw_events 只追加：不提供更新与删除
type RawRepository struct {
	db *gorm.DB
}

func NewRawRepository(db *gorm.DB) *RawRepository {
	return &RawRepository{db: db}
}

// PayloadDigest 文档摘要，用于窗口边界重叠时去重
func PayloadDigest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// LatestCreated 抓取游标：max(created)，空表返回 nil
func (r *RawRepository) LatestCreated(ctx context.Context) (*time.Time, error) {
	var row model.RawEvent
	err := r.db.WithContext(ctx).Select("created").Order("created DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "查询抓取游标失败")
	}
	t := row.Created.UTC()
	return &t, nil
}

// InsertWindow 单个窗口的全部记录在一个事务内写入，要么全部成功要么全部回滚。
// 摘要冲突的记录视为已存在，计入 duplicates。
func (r *RawRepository) InsertWindow(ctx context.Context, created time.Time, records []model.SourceRecord) (inserted, duplicates int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}
	rows := make([]*model.RawEvent, 0, len(records))
	for _, rec := range records {
		rows = append(rows, &model.RawEvent{
			Created:       created.UTC(),
			RawEventData:  datatypes.JSON(rec.Payload),
			PayloadDigest: PayloadDigest(rec.Payload),
		})
	}

	// 开启事务
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, 0, apperr.Wrap(tx.Error, apperr.KindFatal, apperr.ErrStorage.Code, "开启事务失败")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payload_digest"}},
		DoNothing: true,
	}).CreateInBatches(rows, 100)
	if res.Error != nil {
		tx.Rollback()
		return 0, 0, apperr.Wrap(res.Error, apperr.KindFatal, apperr.ErrStorage.Code, "写入raw_events失败")
	}

	// 提交事务
	if err := tx.Commit().Error; err != nil {
		return 0, 0, apperr.Wrap(err, apperr.KindFatal, apperr.ErrStorage.Code, "提交事务失败")
	}
	inserted = int(res.RowsAffected)
	return inserted, len(rows) - inserted, nil
}

// Count 行数
func (r *RawRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.RawEvent{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计raw_events失败: %w", err)
	}
	return n, nil
}

package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
)

const defaultBatchSize = 1000

var errInvalidData = apperr.New(apperr.KindRecord, "invalid_event_data", "event_data 不是合法的 JSON 对象")

// skip 记录级跳过：数据存在但不可用
func skip(format string, args ...interface{}) error {
	return apperr.New(apperr.KindRecord, "skip", fmt.Sprintf(format, args...))
}

type convertFunc[T repository.DomainRow] func(ev *model.Event, data map[string]interface{}) (*T, error)

// runner 所有抽取器共用的选择→转换→写入循环
type runner[T repository.DomainRow] struct {
	name     string
	prefixes []string
	repo     *repository.DomainRepository[T]
	batch    int
	logger   *logrus.Logger
	convert  convertFunc[T]
}

func (r *runner[T]) run(ctx context.Context) (*model.ExtractReport, error) {
	report := &model.ExtractReport{Extractor: r.name}
	batch := r.batch
	if batch <= 0 {
		batch = defaultBatchSize
	}
	log := r.logger.WithField("extractor", r.name)

	var afterID uint64
	for {
		if err := ctx.Err(); err != nil {
			return report, apperr.Wrap(err, apperr.KindFatal, "canceled", "抽取被取消")
		}
		events, err := r.repo.ListPending(ctx, r.prefixes, afterID, batch)
		if err != nil {
			return report, err
		}
		if len(events) == 0 {
			break
		}

		rows := make([]*T, 0, len(events))
		for _, ev := range events {
			afterID = ev.ID
			report.Selected++

			data, err := decodeData(ev)
			if err == nil {
				var row *T
				row, err = r.convert(ev, data)
				if err == nil {
					rows = append(rows, row)
					continue
				}
			}
			if errors.Is(err, errInvalidData) {
				report.Fail(ev.ID, err.Error())
				log.WithField("events_id", ev.ID).WithError(err).Warn("事件数据无效")
			} else {
				report.Skip(ev.ID, err.Error())
				log.WithField("events_id", ev.ID).WithError(err).Info("跳过事件")
			}
		}

		n, err := r.repo.Insert(ctx, rows)
		if err != nil {
			return report, err
		}
		report.Extracted += n
		report.AlreadyDone += len(rows) - n
	}

	log.WithFields(logrus.Fields{
		"selected":  report.Selected,
		"extracted": report.Extracted,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("抽取完成")
	return report, nil
}

func decodeData(ev *model.Event) (map[string]interface{}, error) {
	if len(ev.EventData) == 0 {
		return map[string]interface{}{}, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		return nil, errInvalidData
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// intField 读取整数字段：absent=true 表示字段不存在或为 null
func intField(data map[string]interface{}, key string) (value int, absent bool, err error) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, true, nil
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false, skip("%s 不是整数: %v", key, v)
	}
	if math.Abs(f) > math.MaxInt32 {
		return 0, false, skip("%s 超出范围: %v", key, v)
	}
	return int(f), false, nil
}

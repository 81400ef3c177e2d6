package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// NameResolver 事件类型ID → 事件名称
type NameResolver func(id int) (string, bool)

// ParseService 将未解析的 raw_events 转为 events
type ParseService struct {
	events  *repository.EventRepository
	resolve NameResolver
	batch   int
	logger  *logrus.Logger
	now     func() time.Time
}

func NewParseService(events *repository.EventRepository, resolve NameResolver, batch int, logger *logrus.Logger) *ParseService {
	if batch <= 0 {
		batch = 1000
	}
	return &ParseService{events: events, resolve: resolve, batch: batch, logger: logger, now: time.Now}
}

// ParseNewRecords 单条失败记入报告继续；存储错误或取消时返回致命错误
func (s *ParseService) ParseNewRecords(ctx context.Context) (*model.ParseReport, error) {
	report := &model.ParseReport{}
	var afterID uint64

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(report, apperr.Wrap(err, apperr.KindFatal, "canceled", "解析被取消"))
		}
		raws, err := s.events.ListUnparsed(ctx, afterID, s.batch)
		if err != nil {
			return s.fail(report, err)
		}
		if len(raws) == 0 {
			break
		}

		created := s.now().UTC()
		events := make([]*model.Event, 0, len(raws))
		for _, raw := range raws {
			afterID = raw.ID
			report.Selected++
			ev, err := s.parse(raw)
			if err != nil {
				report.Fail(raw.ID, err.Error())
				s.logger.WithError(err).WithField("raw_events_id", raw.ID).Warn("原始事件解析失败")
				continue
			}
			ev.Created = created
			events = append(events, ev)
		}

		inserted, err := s.events.InsertBatch(ctx, events)
		if err != nil {
			return s.fail(report, err)
		}
		report.Parsed += inserted
		report.AlreadyDone += len(events) - inserted
		s.logger.WithFields(logrus.Fields{
			"batch":    len(raws),
			"inserted": inserted,
		}).Debug("解析批次完成")
	}

	s.logger.WithFields(logrus.Fields{
		"selected": report.Selected,
		"parsed":   report.Parsed,
		"failed":   report.Failed,
	}).Info("事件解析完成")
	return report, nil
}

func (s *ParseService) fail(report *model.ParseReport, err error) (*model.ParseReport, error) {
	report.Error = err.Error()
	return report, err
}

// parse 读取信封字段：event_timestamp、event_id、raw_event.id；event_data 去掉 raw_event
func (s *ParseService) parse(raw *model.RawEvent) (*model.Event, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw.RawEventData, &doc); err != nil {
		return nil, fmt.Errorf("无效的JSON: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("文档不是JSON对象")
	}

	tsRaw, ok := doc["event_timestamp"].(string)
	if !ok {
		return nil, fmt.Errorf("缺少 event_timestamp")
	}
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, err
	}

	eventID, err := intValue(doc["event_id"], "event_id")
	if err != nil {
		return nil, err
	}

	envelope, ok := doc["raw_event"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("缺少 raw_event")
	}
	typeID, err := intValue(envelope["id"], "raw_event.id")
	if err != nil {
		return nil, err
	}
	name, ok := "", false
	if s.resolve != nil {
		name, ok = s.resolve(typeID)
	}
	if !ok {
		name, _ = doc["NAME"].(string)
	}
	if name == "" {
		return nil, fmt.Errorf("未知的事件类型ID: %d", typeID)
	}

	delete(doc, "raw_event")
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("event_data 序列化失败: %w", err)
	}

	return &model.Event{
		RawEventsID: raw.ID,
		Timestamp:   ts.UTC(),
		EventID:     eventID,
		EventName:   name,
		EventData:   datatypes.JSON(data),
	}, nil
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("event_timestamp 格式无效: %q", v)
}

func intValue(v interface{}, key string) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("缺少或无效的 %s", key)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s 不是整数: %v", key, f)
	}
	// 序列号为 u32
	if math.Abs(f) > math.MaxUint32 {
		return 0, fmt.Errorf("%s 超出范围: %v", key, f)
	}
	return int(f), nil
}

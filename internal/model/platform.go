package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceRecord 数据源返回的单条事件文档（已解码为 JSON）
type SourceRecord struct {
	Source  string          // 数据源名称
	Payload json.RawMessage // 原样写入 raw_events
}

// Window 抓取时间窗口 [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("%s~%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// SplitWindows 将 [start, end) 切分为固定长度窗口，最后一个窗口截断到 end
func SplitWindows(start, end time.Time, size time.Duration) []Window {
	if size <= 0 || !start.Before(end) {
		return nil
	}
	var windows []Window
	for cur := start; cur.Before(end); {
		next := cur.Add(size)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows
}

// TimeRange 读取过滤条件，零值表示不限
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// DayRange 将日期转为 [当日 00:00:00, 当日 23:59:59.999999999] UTC
func DayRange(start, end *time.Time) TimeRange {
	var r TimeRange
	if start != nil {
		s := start.UTC()
		r.Start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	}
	if end != nil {
		e := end.UTC()
		r.End = time.Date(e.Year(), e.Month(), e.Day(), 23, 59, 59, 999999999, time.UTC)
	}
	return r
}

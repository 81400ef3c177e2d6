package model

import (
	"time"

	"gorm.io/datatypes"
)

// RawEvent 原始事件：数据源返回的文档原样保存，只追加不修改
type RawEvent struct {
	ID            uint64         `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	// Created 取所属抓取窗口的结束时间而非写入时刻，max(created) 即下次抓取的游标
	Created       time.Time      `gorm:"column:created;not null;index:idx_raw_events_created;comment:所属窗口结束时间（抓取游标）"`
	RawEventData  datatypes.JSON `gorm:"column:raw_event_data;not null;comment:原始文档"`
	PayloadDigest string         `gorm:"column:payload_digest;type:varchar(64);not null;uniqueIndex:uk_raw_events_digest;comment:文档摘要（去重）"`
}

// Event 结构化事件：每条 RawEvent 至多一条
type Event struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	RawEventsID uint64         `gorm:"column:raw_events_id;not null;uniqueIndex:uk_events_raw_events_id;comment:关联原始事件ID"`
	RawEvent    *RawEvent      `gorm:"foreignKey:RawEventsID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Created     time.Time      `gorm:"column:created;not null;comment:解析时间"`
	Timestamp   time.Time      `gorm:"column:timestamp;not null;index:idx_events_timestamp;comment:泵上报时间"`
	EventID     int            `gorm:"column:event_id;not null;comment:事件类型ID"`
	EventName   string         `gorm:"column:event_name;type:varchar(64);not null;index:idx_events_name;comment:事件类型名称"`
	EventData   datatypes.JSON `gorm:"column:event_data;comment:事件字段"`
}

// CgmReading 血糖读数
type CgmReading struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	EventsID   uint64    `gorm:"column:events_id;not null;uniqueIndex:uk_cgm_readings_events_id;comment:关联事件ID"`
	Event      *Event    `gorm:"foreignKey:EventsID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_cgm_readings_timestamp;comment:读数时间"`
	CgmReading int       `gorm:"column:cgm_reading;not null;comment:血糖值 mg/dL"`
}

// BasalDelivery 基础率输注，速率均为 U/h ×1000，可为空
type BasalDelivery struct {
	ID                 uint64    `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	EventsID           uint64    `gorm:"column:events_id;not null;uniqueIndex:uk_basal_deliveries_events_id;comment:关联事件ID"`
	Event              *Event    `gorm:"foreignKey:EventsID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Timestamp          time.Time `gorm:"column:timestamp;not null;index:idx_basal_deliveries_timestamp;comment:输注时间"`
	ProfileBasalRate   *int      `gorm:"column:profile_basal_rate;comment:方案基础率"`
	AlgorithmBasalRate *int      `gorm:"column:algorithm_basal_rate;comment:算法基础率"`
	TempBasalRate      *int      `gorm:"column:temp_basal_rate;comment:临时基础率"`
}

func (RawEvent) TableName() string      { return "raw_events" }
func (Event) TableName() string         { return "events" }
func (CgmReading) TableName() string    { return "cgm_readings" }
func (BasalDelivery) TableName() string { return "basal_deliveries" }

// AllModels 迁移顺序（按外键依赖）
func AllModels() []interface{} {
	return []interface{}{&RawEvent{}, &Event{}, &CgmReading{}, &BasalDelivery{}}
}

// 可对外读取的表
const (
	TableCgmReadings     = "cgm_readings"
	TableBasalDeliveries = "basal_deliveries"
	TableEvents          = "events"
	TableRawEvents       = "raw_events"
)

// ReadableTables 导出与查询允许访问的表（顺序固定）
var ReadableTables = []string{TableCgmReadings, TableBasalDeliveries, TableEvents, TableRawEvents}

// TableDescriptions 表说明，供查询工具展示
var TableDescriptions = map[string]string{
	TableCgmReadings:     "CGM (continuous glucose monitor) sensor readings with timestamps. Each row is a single glucose reading.",
	TableBasalDeliveries: "Insulin basal delivery rates with timestamps. Includes profile, algorithm-adjusted, and temporary basal rates.",
	TableEvents:          "Parsed pump events with event type, name, timestamp, and event-specific data as JSON.",
	TableRawEvents:       "Raw unprocessed API responses from the Tandem pump. Contains complete JSON blobs. Prefer querying the parsed tables (events, cgm_readings, basal_deliveries) for structured data.",
}

// TimeColumn 各表用于时间过滤的列
func TimeColumn(table string) string {
	if table == TableRawEvents {
		return "created"
	}
	return "timestamp"
}

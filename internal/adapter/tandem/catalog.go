package tandem

import "sort"

type fieldKind int

const (
	u8 fieldKind = iota
	i8
	u16
	i16
	u32
)

// field 事件数据区字段：偏移量相对整条 26 字节记录
type field struct {
	name   string
	offset int
	kind   fieldKind
}

// eventType 事件目录项
type eventType struct {
	id     int
	name   string
	fields []field
}

var cgmFields = []field{
	{"glucoseValueStatus", 10, u16},
	{"cgmDataType", 12, u8},
	{"rate", 13, i8},
	{"algorithmState", 14, u8},
	{"rssi", 15, i8},
	{"currentglucosedisplayvalue", 16, u16},
	{"egvTimestamp", 18, u32},
	{"egvInfoBitmask", 22, u16},
	{"interval", 24, u8},
}

// catalog 请求与解码的事件类型；未列出字段的类型只保留报文头
var catalog = map[int]eventType{
	3:   {id: 3, name: "LID_BASAL_RATE_CHANGE", fields: []field{{"commandBasalRate", 10, u32}, {"baseBasalRate", 14, u32}, {"maxBasalRate", 18, u32}, {"idp", 22, u16}, {"changeType", 24, u8}}},
	11:  {id: 11, name: "LID_PUMPING_SUSPENDED", fields: []field{{"insulinAmount", 14, u16}, {"reason", 16, u8}}},
	12:  {id: 12, name: "LID_PUMPING_RESUMED", fields: []field{{"insulinAmount", 14, u16}}},
	16:  {id: 16, name: "LID_TIME_CHANGED"},
	48:  {id: 48, name: "LID_CARB_ENTERED"},
	256: {id: 256, name: "LID_CGM_DATA_GXB", fields: cgmFields},
	279: {id: 279, name: "LID_BASAL_DELIVERY", fields: []field{{"commandedRateSource", 10, u16}, {"profileBasalRate", 14, u16}, {"algorithmRate", 16, u16}, {"tempRate", 18, u16}}},
	280: {id: 280, name: "LID_BOLUS_DELIVERY", fields: []field{{"bolusID", 10, u16}, {"bolusDeliveryStatus", 12, u8}, {"bolusType", 13, u8}, {"requestedNow", 16, u16}, {"deliveredTotal", 22, u16}}},
	372: {id: 372, name: "LID_CGM_DATA_FSL2", fields: cgmFields},
	399: {id: 399, name: "LID_CGM_DATA_G7", fields: cgmFields},
}

// EventName 类型ID对应的事件名称
func EventName(id int) (string, bool) {
	et, ok := catalog[id]
	return et.name, ok
}

// EventIDs 目录中全部类型ID（升序），用于 eventIds 查询参数
func EventIDs() []int {
	ids := make([]int, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

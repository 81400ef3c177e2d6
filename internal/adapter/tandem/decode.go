package tandem

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TandemSync/internal/apperr"
)

const (
	// RecordLen 单条事件报文长度
	RecordLen = 26
	// tandemEpoch 2008-01-01T00:00:00Z
	tandemEpoch = 1199145600
)

// Header 报文头
type Header struct {
	Source       int    `json:"source"`
	ID           int    `json:"id"`
	TimestampRaw uint32 `json:"timestampRaw"`
	SeqNum       uint32 `json:"seqNum"`
	Raw          string `json:"raw"` // base64
}

// DecodeBody 解析事件接口响应：JSON 字符串包裹的 base64，按 26 字节切分为事件文档
func DecodeBody(body []byte, loc *time.Location) ([]json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(body, &encoded); err != nil {
		// 个别情况下响应体直接是 base64 文本
		encoded = strings.TrimSpace(string(body))
	}
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindMalformed, apperr.ErrMalformedPayload.Code, "base64 解码失败")
	}
	if len(data)%RecordLen != 0 {
		return nil, apperr.New(apperr.KindMalformed, apperr.ErrMalformedPayload.Code,
			fmt.Sprintf("报文长度 %d 不是 %d 的整数倍", len(data), RecordLen))
	}

	docs := make([]json.RawMessage, 0, len(data)/RecordLen)
	for off := 0; off < len(data); off += RecordLen {
		doc, err := DecodeRecord(data[off:off+RecordLen], loc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DecodeRecord 单条报文转为事件文档
func DecodeRecord(rec []byte, loc *time.Location) (json.RawMessage, error) {
	if len(rec) != RecordLen {
		return nil, apperr.New(apperr.KindMalformed, apperr.ErrMalformedPayload.Code, "报文长度错误")
	}
	sourceAndID := binary.BigEndian.Uint16(rec[0:2])
	h := Header{
		Source:       int(sourceAndID&0xF000) >> 12,
		ID:           int(sourceAndID & 0x0FFF),
		TimestampRaw: binary.BigEndian.Uint32(rec[2:6]),
		SeqNum:       binary.BigEndian.Uint32(rec[6:10]),
		Raw:          base64.StdEncoding.EncodeToString(rec),
	}

	doc := map[string]interface{}{
		"event_id":        h.SeqNum,
		"event_timestamp": PumpTime(h.TimestampRaw, loc).Format(time.RFC3339),
		"raw_event":       h,
	}
	if et, ok := catalog[h.ID]; ok {
		doc["NAME"] = et.name
		for _, f := range et.fields {
			doc[f.name] = readField(rec, f)
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindMalformed, apperr.ErrMalformedPayload.Code, "事件文档序列化失败")
	}
	return out, nil
}

// PumpTime 泵时间是本地挂钟时间：按 UTC 计算后替换为本地时区
func PumpTime(raw uint32, loc *time.Location) time.Time {
	t := time.Unix(tandemEpoch+int64(raw), 0).UTC()
	if loc == nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

func readField(rec []byte, f field) interface{} {
	switch f.kind {
	case u8:
		return rec[f.offset]
	case i8:
		return int8(rec[f.offset])
	case u16:
		return binary.BigEndian.Uint16(rec[f.offset:])
	case i16:
		return int16(binary.BigEndian.Uint16(rec[f.offset:]))
	case u32:
		return binary.BigEndian.Uint32(rec[f.offset:])
	}
	return nil
}

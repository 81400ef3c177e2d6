package interfaces

import (
	"context"

	"TandemSync/internal/model"
)

// PumpEventSource 泵事件数据源必须实现的核心接口。
// 返回的错误需经 apperr 分类：Fatal / Transient / Malformed。
type PumpEventSource interface {
	Name() string
	// Authenticate 登录并准备会话
	Authenticate(ctx context.Context) error
	// FetchEvents 拉取窗口内的事件文档
	FetchEvents(ctx context.Context, w model.Window) ([]model.SourceRecord, error)
}

// Extractor 领域抽取器：从 events 中选出某类事件写入领域表
type Extractor interface {
	Name() string
	TableName() string
	EventNamePrefixes() []string
	ExtractNew(ctx context.Context) (*model.ExtractReport, error)
}

package extractor

import (
	"fmt"
	"strings"

	"TandemSync/internal/config"
	"TandemSync/internal/interfaces"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// prefixesByExtractor 事件名前缀 → 抽取器，静态映射
var prefixesByExtractor = map[string][]string{
	NameGlucose: {"LID_CGM_DATA"},
	NameBasal:   {"LID_BASAL_DELIVERY"},
}

// Names 全部抽取器（固定顺序）
var Names = []string{NameGlucose, NameBasal}

// ForEventName 事件名对应的抽取器名称
func ForEventName(eventName string) (string, bool) {
	for _, name := range Names {
		for _, p := range prefixesByExtractor[name] {
			if strings.HasPrefix(eventName, p) {
				return name, true
			}
		}
	}
	return "", false
}

// Registry 抽取器实例集合
type Registry struct {
	extractors map[string]interfaces.Extractor
}

func NewRegistry(db *gorm.DB, cfg config.PipelineConfig, logger *logrus.Logger) *Registry {
	return &Registry{extractors: map[string]interfaces.Extractor{
		NameGlucose: NewGlucoseExtractor(db, cfg.GlucoseMin, cfg.GlucoseMax, cfg.ParseBatchSize, logger),
		NameBasal:   NewBasalExtractor(db, cfg.ParseBatchSize, logger),
	}}
}

// Get 按名称取抽取器
func (r *Registry) Get(name string) (interfaces.Extractor, bool) {
	e, ok := r.extractors[name]
	return e, ok
}

// Enabled names 为空时返回全部；未知名称报错
func (r *Registry) Enabled(names []string) ([]interfaces.Extractor, error) {
	if len(names) == 0 {
		names = Names
	}
	out := make([]interfaces.Extractor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if seen[n] {
			continue
		}
		e, ok := r.extractors[n]
		if !ok {
			return nil, fmt.Errorf("未知的抽取器: %s（可选：%s）", n, strings.Join(Names, ", "))
		}
		seen[n] = true
		out = append(out, e)
	}
	return out, nil
}

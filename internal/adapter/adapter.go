// internal/adapter/adapter.go
package adapter

import (
	"fmt"
	"sort"
	"time"

	"TandemSync/internal/config"
	"TandemSync/internal/interfaces"

	"github.com/sirupsen/logrus"
)

// Factory 数据源工厂函数签名
// 入参：数据源配置、泵本地时区、日志实例
type Factory func(cfg *config.SourceConfig, loc *time.Location, logger *logrus.Logger) interfaces.PumpEventSource

// ========== 全局工厂函数注册表 ==========
var factoryRegistry = make(map[string]Factory)

// Register 供数据源包的 init 函数调用
func Register(name string, factory Factory) {
	if factory == nil {
		panic(fmt.Sprintf("数据源%s的工厂函数不能为nil", name))
	}
	if _, exists := factoryRegistry[name]; exists {
		logrus.Warnf("数据源%s已注册，将覆盖原有实现", name)
	}
	factoryRegistry[name] = factory
}

// GetFactory 获取指定数据源的工厂函数
func GetFactory(name string) (Factory, bool) {
	factory, ok := factoryRegistry[name]
	return factory, ok
}

// ListFactories 已注册的数据源名称（排序）
func ListFactories() []string {
	names := make([]string, 0, len(factoryRegistry))
	for n := range factoryRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

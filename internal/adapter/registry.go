package adapter

import (
	"fmt"

	"TandemSync/internal/config"
	"TandemSync/internal/interfaces"

	"github.com/sirupsen/logrus"
)

// SourceRegistry 按配置创建好的数据源实例
type SourceRegistry struct {
	cfg     *config.Config
	logger  *logrus.Logger
	sources map[string]interfaces.PumpEventSource
}

func NewSourceRegistry(cfg *config.Config, logger *logrus.Logger) (*SourceRegistry, error) {
	r := &SourceRegistry{
		cfg:     cfg,
		logger:  logger,
		sources: make(map[string]interfaces.PumpEventSource),
	}
	if err := r.initFromFactories(); err != nil {
		return nil, err
	}
	return r, nil
}

// initFromFactories 遍历配置中的数据源，匹配工厂函数创建实例
func (r *SourceRegistry) initFromFactories() error {
	loc, err := r.cfg.Pipeline.Location()
	if err != nil {
		return err
	}
	r.logger.WithField("factories", ListFactories()).Debug("已注册的数据源工厂")

	for name := range r.cfg.Sources {
		factory, ok := GetFactory(name)
		if !ok {
			r.logger.WithField("source", name).Warn("未找到对应的工厂函数（init未注册？）")
			continue
		}
		srcCfg := r.cfg.Sources[name]
		src := factory(&srcCfg, loc, r.logger)
		if src == nil {
			r.logger.WithField("source", name).Error("工厂函数返回nil")
			continue
		}
		if src.Name() != name {
			r.logger.WithFields(logrus.Fields{
				"config_source":  name,
				"adapter_source": src.Name(),
			}).Error("数据源名称与配置不匹配")
			continue
		}
		r.sources[name] = src
	}
	r.logger.WithField("count", len(r.sources)).Info("数据源初始化完成")
	return nil
}

// Get 获取数据源实例
func (r *SourceRegistry) Get(name string) (interfaces.PumpEventSource, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("数据源%s未初始化（已注册：%v）", name, ListFactories())
	}
	return src, nil
}

// Names 已初始化的数据源
func (r *SourceRegistry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	return names
}

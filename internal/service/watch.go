package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/model"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWatchInterval = 5 * time.Minute
	MinWatchInterval     = time.Minute
)

// Runner 可被定时触发的完整运行
type Runner interface {
	RunFull(ctx context.Context) (*model.PipelineReport, error)
}

// Watcher 持续抓取：立即运行一次，之后按间隔运行；上一次未结束时跳过本次
type Watcher struct {
	runner   Runner
	interval time.Duration
	logger   *logrus.Logger

	busy  atomic.Bool
	runs  atomic.Int64
	skips atomic.Int64
}

func NewWatcher(runner Runner, interval time.Duration, logger *logrus.Logger) (*Watcher, error) {
	if interval == 0 {
		interval = DefaultWatchInterval
	}
	if interval < MinWatchInterval {
		return nil, fmt.Errorf("抓取间隔不能小于 %s，当前: %s", MinWatchInterval, interval)
	}
	return &Watcher{runner: runner, interval: interval, logger: logger}, nil
}

// Run 阻塞直到 ctx 取消；返回前等待进行中的运行结束
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.WithField("interval", w.interval.String()).Info("持续抓取已启动")
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.trigger(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			w.logger.WithFields(logrus.Fields{
				"runs":  w.runs.Load(),
				"skips": w.skips.Load(),
			}).Info("持续抓取已停止")
			return nil
		case <-ticker.C:
			w.trigger(ctx, &wg)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context, wg *sync.WaitGroup) {
	if !w.busy.CompareAndSwap(false, true) {
		w.skips.Add(1)
		w.logger.Warn("上一次运行尚未结束，跳过本次")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.busy.Store(false)
		w.runs.Add(1)

		report, err := w.runner.RunFull(ctx)
		switch {
		case errors.Is(err, apperr.ErrRunInProgress):
			w.skips.Add(1)
			w.logger.Info("已有运行在进行，跳过本次")
		case err != nil:
			// 失败只记录，下一个周期继续
			w.logger.WithError(err).Error("本次运行失败")
		default:
			w.logger.WithFields(logrus.Fields{
				"run_id":    report.RunID,
				"fetched":   report.Fetched,
				"extracted": report.Extracted,
			}).Info("本次运行完成")
		}
	}()
}

// Stats 已触发次数与跳过次数
func (w *Watcher) Stats() (runs, skips int64) {
	return w.runs.Load(), w.skips.Load()
}

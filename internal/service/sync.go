package service

import (
	"context"
	"errors"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/config"
	"TandemSync/internal/interfaces"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// FetchService 增量抓取：从游标到当前时间按窗口拉取，逐窗口事务写入 raw_events
type FetchService struct {
	raw    *repository.RawRepository
	source interfaces.PumpEventSource
	cfg    config.PipelineConfig
	logger *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFetchService(raw *repository.RawRepository, source interfaces.PumpEventSource, cfg config.PipelineConfig, logger *logrus.Logger) *FetchService {
	return &FetchService{
		raw:    raw,
		source: source,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// FetchNewRecords 返回的 error 均为致命错误；畸形窗口只计入报告
func (s *FetchService) FetchNewRecords(ctx context.Context) (*model.FetchReport, error) {
	report := &model.FetchReport{}

	// 1. 计算抓取区间
	start, err := s.cursor(ctx)
	if err != nil {
		return s.fail(report, err)
	}
	end := s.now().UTC()
	report.Start, report.End = start, end

	windows := model.SplitWindows(start, end, s.cfg.Window())
	report.WindowsTotal = len(windows)
	if len(windows) == 0 {
		s.logger.WithField("cursor", start).Info("没有需要抓取的窗口")
		return report, nil
	}
	s.logger.WithFields(logrus.Fields{
		"source":  s.source.Name(),
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
		"windows": len(windows),
	}).Info("开始增量抓取")

	// 2. 认证（认证失败直接中止）
	if err := s.withRetry(ctx, report, "authenticate", func() error {
		return s.source.Authenticate(ctx)
	}); err != nil {
		return s.fail(report, err)
	}

	// 3. 逐窗口抓取并提交
	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return s.fail(report, apperr.Wrap(err, apperr.KindFatal, "canceled", "抓取被取消"))
		}

		var records []model.SourceRecord
		err := s.withRetry(ctx, report, w.String(), func() error {
			var e error
			records, e = s.source.FetchEvents(ctx, w)
			return e
		})
		if apperr.IsMalformed(err) {
			report.WindowsSkipped++
			s.logger.WithError(err).WithField("window", w.String()).Warn("窗口响应格式错误，跳过")
			continue
		}
		if err != nil {
			return s.fail(report, err)
		}

		report.Fetched += len(records)
		inserted, dup, err := s.raw.InsertWindow(ctx, w.End, records)
		if err != nil {
			return s.fail(report, err)
		}
		report.Inserted += inserted
		report.Duplicates += dup
		report.WindowsCommitted++
		s.logger.WithFields(logrus.Fields{
			"window":     w.String(),
			"fetched":    len(records),
			"inserted":   inserted,
			"duplicates": dup,
		}).Info("窗口已提交")
	}

	s.logger.WithFields(logrus.Fields{
		"committed": report.WindowsCommitted,
		"skipped":   report.WindowsSkipped,
		"inserted":  report.Inserted,
	}).Info("增量抓取完成")
	return report, nil
}

// cursor max(created)，空库时使用配置的起始日期
func (s *FetchService) cursor(ctx context.Context) (time.Time, error) {
	latest, err := s.raw.LatestCreated(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return latest.UTC(), nil
	}
	return s.cfg.Floor()
}

// withRetry 可重试错误按指数退避重试，重试耗尽转为致命错误
func (s *FetchService) withRetry(ctx context.Context, report *model.FetchReport, what string, fn func() error) error {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !apperr.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := backoff(s.cfg.Retry, attempt)
		report.Retries++
		s.logger.WithError(err).WithFields(logrus.Fields{
			"target":  what,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("请求失败，稍后重试")
		if e := s.sleep(ctx, delay); e != nil {
			return apperr.Wrap(e, apperr.KindFatal, "canceled", "重试等待被取消")
		}
	}
	return apperr.Wrap(err, apperr.KindFatal, apperr.ErrRetriesExhausted.Code, apperr.ErrRetriesExhausted.Message).
		WithField("target", what)
}

func (s *FetchService) fail(report *model.FetchReport, err error) (*model.FetchReport, error) {
	report.Error = err.Error()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"committed": report.WindowsCommitted,
		"inserted":  report.Inserted,
	}).Error("增量抓取中止，已提交的窗口保留")
	return report, err
}

// backoff 第 attempt 次失败后的等待时间：initial × multiplier^(attempt-1)，不超过 max
func backoff(r config.RetryConfig, attempt int) time.Duration {
	delay := r.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isCanceled 取消类错误（用于区分日志级别）
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

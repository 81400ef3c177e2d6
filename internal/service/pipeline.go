package service

import (
	"context"
	"sync"
	"time"

	"TandemSync/internal/interfaces"
	"TandemSync/internal/lock"
	"TandemSync/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PipelineService 串行执行 抓取 → 解析 → 抽取，抽取器之间并发
type PipelineService struct {
	fetcher    *FetchService
	parser     *ParseService
	extractors []interfaces.Extractor
	locker     lock.Locker
	logger     *logrus.Logger

	mu      sync.RWMutex
	running *model.PipelineReport
	last    *model.PipelineReport
}

func NewPipelineService(fetcher *FetchService, parser *ParseService, extractors []interfaces.Extractor, locker lock.Locker, logger *logrus.Logger) *PipelineService {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &PipelineService{
		fetcher:    fetcher,
		parser:     parser,
		extractors: extractors,
		locker:     locker,
		logger:     logger,
	}
}

// RunFull 一次完整运行。已有运行时返回 apperr.ErrRunInProgress；
// 致命错误时报告状态为 Failed 并返回该错误，已提交的数据保留。
func (p *PipelineService) RunFull(ctx context.Context) (*model.PipelineReport, error) {
	release, err := p.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	report := &model.PipelineReport{
		RunID:     uuid.NewString(),
		State:     model.StateNotStarted,
		StartedAt: time.Now().UTC(),
	}
	p.setRunning(report)
	log := p.logger.WithField("run_id", report.RunID)
	log.Info("流水线开始运行")

	// 1. 抓取
	p.transition(report, model.StateFetching)
	report.Fetch, err = p.fetcher.FetchNewRecords(ctx)
	if err != nil {
		return p.finish(report, err)
	}

	// 2. 解析
	p.transition(report, model.StateParsing)
	report.Parse, err = p.parser.ParseNewRecords(ctx)
	if err != nil {
		return p.finish(report, err)
	}

	// 3. 抽取（各抽取器写不同的表，可并发）
	p.transition(report, model.StateExtracting)
	report.Extract, err = p.extractAll(ctx)
	if err != nil {
		return p.finish(report, err)
	}

	p.transition(report, model.StateCompleted)
	return p.finish(report, nil)
}

func (p *PipelineService) extractAll(ctx context.Context) ([]model.ExtractReport, error) {
	results := make([]*model.ExtractReport, len(p.extractors))
	var g errgroup.Group
	for i, e := range p.extractors {
		i, e := i, e
		g.Go(func() error {
			r, err := e.ExtractNew(ctx)
			if r == nil {
				r = &model.ExtractReport{Extractor: e.Name()}
			}
			if err != nil {
				r.Error = err.Error()
			}
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	out := make([]model.ExtractReport, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, err
}

func (p *PipelineService) transition(report *model.PipelineReport, to model.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !report.State.CanTransition(to) {
		p.logger.WithFields(logrus.Fields{"from": report.State, "to": to}).Error("非法的状态迁移")
		return
	}
	report.State = to
}

func (p *PipelineService) finish(report *model.PipelineReport, err error) (*model.PipelineReport, error) {
	if err != nil {
		p.transition(report, model.StateFailed)
		report.Error = err.Error()
	}
	p.mu.Lock()
	report.FinishedAt = time.Now().UTC()
	report.Summarize()
	p.running = nil
	snapshot := *report
	p.last = &snapshot
	p.mu.Unlock()

	entry := p.logger.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"state":     report.State,
		"fetched":   report.Fetched,
		"parsed":    report.Parsed,
		"extracted": report.Extracted,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"elapsed":   report.FinishedAt.Sub(report.StartedAt).String(),
	})
	switch {
	case err == nil:
		entry.Info("流水线运行完成")
	case isCanceled(err):
		entry.WithError(err).Warn("流水线被取消")
	default:
		entry.WithError(err).Error("流水线运行失败")
	}
	return report, err
}

func (p *PipelineService) setRunning(report *model.PipelineReport) {
	p.mu.Lock()
	p.running = report
	p.mu.Unlock()
}

// Status 当前运行中的状态（若有）与上一次运行的报告
func (p *PipelineService) Status() (running *model.PipelineReport, last *model.PipelineReport) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.running != nil {
		// 运行中的报告仍在被写入，只暴露状态字段
		running = &model.PipelineReport{
			RunID:     p.running.RunID,
			State:     p.running.State,
			StartedAt: p.running.StartedAt,
		}
	}
	if p.last != nil {
		l := *p.last
		last = &l
	}
	return running, last
}

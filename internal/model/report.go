package model

import "time"

// PipelineState 流水线状态机
type PipelineState string

const (
	StateNotStarted PipelineState = "NotStarted"
	StateFetching   PipelineState = "Fetching"
	StateParsing    PipelineState = "Parsing"
	StateExtracting PipelineState = "Extracting"
	StateCompleted  PipelineState = "Completed"
	StateFailed     PipelineState = "Failed"
)

// Terminal 是否终态
func (s PipelineState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition 合法迁移：按顺序推进，或从任意非终态进入 Failed
func (s PipelineState) CanTransition(to PipelineState) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch s {
	case StateNotStarted:
		return to == StateFetching
	case StateFetching:
		return to == StateParsing
	case StateParsing:
		return to == StateExtracting
	case StateExtracting:
		return to == StateCompleted
	}
	return false
}

// RecordFailure 单条记录失败原因
type RecordFailure struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

// maxReportedFailures 报告中保留的失败明细上限，计数不受限制
const maxReportedFailures = 100

func appendFailure(list []RecordFailure, id uint64, reason string) []RecordFailure {
	if len(list) >= maxReportedFailures {
		return list
	}
	return append(list, RecordFailure{ID: id, Reason: reason})
}

// FetchReport 抓取阶段统计
type FetchReport struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	WindowsTotal     int       `json:"windows_total"`
	WindowsCommitted int       `json:"windows_committed"`
	WindowsSkipped   int       `json:"windows_skipped"`
	Retries          int       `json:"retries"`
	Fetched          int       `json:"fetched"`
	Inserted         int       `json:"inserted"`
	Duplicates       int       `json:"duplicates"`
	Error            string    `json:"error,omitempty"`
}

// ParseReport 解析阶段统计
type ParseReport struct {
	Selected    int             `json:"selected"`
	Parsed      int             `json:"parsed"`
	AlreadyDone int             `json:"already_done"`
	Failed      int             `json:"failed"`
	Failures    []RecordFailure `json:"failures,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (r *ParseReport) Fail(id uint64, reason string) {
	r.Failed++
	r.Failures = appendFailure(r.Failures, id, reason)
}

// ExtractReport 单个抽取器统计
type ExtractReport struct {
	Extractor   string          `json:"extractor"`
	Selected    int             `json:"selected"`
	Extracted   int             `json:"extracted"`
	AlreadyDone int             `json:"already_done"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Skips       []RecordFailure `json:"skips,omitempty"`
	Failures    []RecordFailure `json:"failures,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (r *ExtractReport) Skip(id uint64, reason string) {
	r.Skipped++
	r.Skips = appendFailure(r.Skips, id, reason)
}

func (r *ExtractReport) Fail(id uint64, reason string) {
	r.Failed++
	r.Failures = appendFailure(r.Failures, id, reason)
}

// PipelineReport 一次完整运行的汇总
type PipelineReport struct {
	RunID      string          `json:"run_id"`
	State      PipelineState   `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Fetch      *FetchReport    `json:"fetch,omitempty"`
	Parse      *ParseReport    `json:"parse,omitempty"`
	Extract    []ExtractReport `json:"extract,omitempty"`
	Fetched    int             `json:"fetched"`
	Parsed     int             `json:"parsed"`
	Extracted  int             `json:"extracted"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
}

// Summarize 汇总各阶段计数
func (r *PipelineReport) Summarize() {
	r.Fetched, r.Parsed, r.Extracted, r.Skipped, r.Failed = 0, 0, 0, 0, 0
	if r.Fetch != nil {
		r.Fetched = r.Fetch.Inserted
		r.Skipped += r.Fetch.WindowsSkipped
	}
	if r.Parse != nil {
		r.Parsed = r.Parse.Parsed
		r.Failed += r.Parse.Failed
	}
	for _, e := range r.Extract {
		r.Extracted += e.Extracted
		r.Skipped += e.Skipped
		r.Failed += e.Failed
	}
}

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// ErrAllFailed 所有表都导出失败
var ErrAllFailed = errors.New("all tables failed to export")

// Options 一次导出的参数
type Options struct {
	Tables      []string   // 为空表示全部
	Format      string     // parquet/csv/xlsx
	OutputDir   string     // 输出目录，不存在则创建
	StartDate   *time.Time // 含当日
	EndDate     *time.Time // 含当日
	FetchLatest bool       // 导出前先跑一次流水线
	Overwrite   bool       // 同名文件是否覆盖
	Timestamp   time.Time  // 文件名时间戳，零值取当前时间
}

// Result 单表导出结果
type Result struct {
	Table     string        `json:"table"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Rows      int           `json:"rows"`
	Path      string        `json:"path,omitempty"`
	Duration  time.Duration `json:"duration"`
	SizeBytes int64         `json:"size_bytes"`
	Format    string        `json:"format"`
	Error     string        `json:"error,omitempty"`
}

// Summary 汇总；至少一张表成功即视为成功
type Summary struct {
	Timestamp     time.Time             `json:"timestamp"`
	Options       Options               `json:"-"`
	Pipeline      *model.PipelineReport `json:"pipeline,omitempty"`
	Results       []Result              `json:"results"`
	TotalRows     int                   `json:"total_rows"`
	TotalDuration time.Duration         `json:"total_duration"`
	TotalBytes    int64                 `json:"total_bytes"`
	SuccessCount  int                   `json:"success_count"`
	FailureCount  int                   `json:"failure_count"`
	Success       bool                  `json:"success"`
}

func (s *Summary) aggregate() {
	s.TotalRows, s.TotalDuration, s.TotalBytes, s.SuccessCount, s.FailureCount = 0, 0, 0, 0, 0
	for _, r := range s.Results {
		s.TotalDuration += r.Duration
		if r.Success {
			s.SuccessCount++
			s.TotalRows += r.Rows
			s.TotalBytes += r.SizeBytes
		} else {
			s.FailureCount++
		}
	}
	s.Success = s.SuccessCount > 0
}

// PipelineRunner 导出前的增量同步
type PipelineRunner interface {
	RunFull(ctx context.Context) (*model.PipelineReport, error)
}

// Exporter 表导出
type Exporter struct {
	repo   *repository.QueryRepository
	runner PipelineRunner
	batch  int
	logger *logrus.Logger
	now    func() time.Time
}

// NewExporter runner 可为 nil，此时不支持 FetchLatest
func NewExporter(repo *repository.QueryRepository, runner PipelineRunner, logger *logrus.Logger) *Exporter {
	return &Exporter{repo: repo, runner: runner, batch: 5000, logger: logger, now: time.Now}
}

// Export 校验参数后逐表导出。校验失败、流水线失败、全部失败时返回 error；
// 部分失败只体现在 Summary 中。
func (e *Exporter) Export(ctx context.Context, opts Options) (*Summary, error) {
	opts, err := e.normalize(opts)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Options: opts}

	if opts.FetchLatest {
		if e.runner == nil {
			return nil, fmt.Errorf("未配置流水线，无法在导出前同步")
		}
		e.logger.Info("导出前先同步最新数据")
		report, err := e.runner.RunFull(ctx)
		summary.Pipeline = report
		if err != nil {
			return summary, fmt.Errorf("导出前同步失败，已中止导出: %w", err)
		}
	}

	tr := model.DayRange(opts.StartDate, opts.EndDate)
	for i, table := range opts.Tables {
		if len(opts.Tables) > 1 {
			e.logger.Infof("[%d/%d] 导出 %s", i+1, len(opts.Tables), table)
		}
		summary.Results = append(summary.Results, e.exportTable(ctx, table, opts, tr))
	}

	summary.Timestamp = e.now().UTC()
	summary.aggregate()
	e.logger.WithFields(logrus.Fields{
		"success": summary.SuccessCount,
		"failed":  summary.FailureCount,
		"rows":    summary.TotalRows,
	}).Info("导出完成")

	if summary.FailureCount == len(summary.Results) {
		details := make([]string, 0, len(summary.Results))
		for _, r := range summary.Results {
			details = append(details, fmt.Sprintf("  - %s: %s", r.Table, r.Error))
		}
		return summary, fmt.Errorf("%w (%d):\n%s", ErrAllFailed, len(summary.Results), strings.Join(details, "\n"))
	}
	if summary.FailureCount > 0 {
		e.logger.Warnf("部分表导出失败: %d 张", summary.FailureCount)
	}
	return summary, nil
}

func (e *Exporter) normalize(opts Options) (Options, error) {
	if len(opts.Tables) == 0 {
		opts.Tables = append([]string(nil), model.ReadableTables...)
	}
	seen := make(map[string]bool, len(opts.Tables))
	tables := make([]string, 0, len(opts.Tables))
	for _, t := range opts.Tables {
		if err := ValidateTable(t); err != nil {
			return opts, err
		}
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	opts.Tables = tables

	opts.Format = strings.ToLower(strings.TrimSpace(opts.Format))
	if opts.Format == "" {
		opts.Format = FormatParquet
	}
	if !validFormat(opts.Format) {
		return opts, fmt.Errorf("Invalid format '%s'. Choose one of: %s", opts.Format, strings.Join(Formats, ", "))
	}

	if opts.StartDate != nil && opts.EndDate != nil && opts.StartDate.After(*opts.EndDate) {
		return opts, fmt.Errorf("start_date (%s) cannot be after end_date (%s)",
			opts.StartDate.Format("2006-01-02"), opts.EndDate.Format("2006-01-02"))
	}

	if opts.OutputDir == "" {
		opts.OutputDir = "exports"
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return opts, fmt.Errorf("Cannot create output directory '%s': %w", opts.OutputDir, err)
	}

	for _, t := range opts.Tables {
		if !e.repo.HasTable(t) {
			return opts, fmt.Errorf("Table '%s' not found", t)
		}
	}

	if opts.Timestamp.IsZero() {
		opts.Timestamp = e.now()
	}
	return opts, nil
}

// ValidateTable 校验表名，近似时给出建议
func ValidateTable(table string) error {
	for _, t := range model.ReadableTables {
		if t == table {
			return nil
		}
	}
	valid := strings.Join(model.ReadableTables, ", ")
	lower := strings.ToLower(table)
	for _, t := range model.ReadableTables {
		if lower != "" && (strings.Contains(t, lower) || strings.Contains(lower, t)) {
			return fmt.Errorf("Invalid table name '%s'. Did you mean '%s'?\nValid tables: %s", table, t, valid)
		}
	}
	return fmt.Errorf("Invalid table name '%s'.\nValid tables: %s", table, valid)
}

func validFormat(f string) bool {
	for _, v := range Formats {
		if v == f {
			return true
		}
	}
	return false
}

// OutputPath {table}_{YYYYMMDD_HHMMSS}.{format}
func OutputPath(dir, table, format string, ts time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", table, ts.UTC().Format("20060102_150405"), format))
}

func (e *Exporter) exportTable(ctx context.Context, table string, opts Options, tr model.TimeRange) Result {
	start := time.Now()
	path := OutputPath(opts.OutputDir, table, opts.Format, opts.Timestamp)
	res := Result{Table: table, Path: path, Format: opts.Format}
	log := e.logger.WithFields(logrus.Fields{"table": table, "format": opts.Format})

	if st, err := os.Stat(path); err == nil {
		if !opts.Overwrite {
			log.WithField("path", path).Warn("文件已存在，跳过（overwrite=false）")
			res.Success, res.Skipped, res.SizeBytes = true, true, st.Size()
			return res
		}
		log.WithField("path", path).Warn("覆盖已存在的文件")
	}

	rows, err := e.writeTable(ctx, table, opts.Format, path, tr)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		log.WithError(err).Error("导出失败")
		return res
	}
	res.Success, res.Rows = true, rows
	if st, err := os.Stat(path); err == nil {
		res.SizeBytes = st.Size()
	}
	log.WithFields(logrus.Fields{
		"rows":    rows,
		"path":    path,
		"size_mb": fmt.Sprintf("%.2f", float64(res.SizeBytes)/1024/1024),
		"elapsed": res.Duration.String(),
	}).Info("表导出完成")
	return res
}

// writeTable 先写临时文件，成功后改名，失败不留下半个文件
func (e *Exporter) writeTable(ctx context.Context, table, format, path string, tr model.TimeRange) (int, error) {
	cols, err := e.repo.Columns(table)
	if err != nil {
		return 0, err
	}
	// 保留扩展名，excelize 按扩展名识别格式
	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + ".part" + ext
	w, err := newRowWriter(format, tmp, cols)
	if err != nil {
		return 0, err
	}

	count := 0
	_, err = e.repo.ForEachBatch(ctx, table, tr, e.batch, func(_ []string, rows [][]interface{}) error {
		if err := w.WriteRows(rows); err != nil {
			return err
		}
		count += len(rows)
		return nil
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return count, nil
}

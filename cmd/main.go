package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"TandemSync/internal/adapter"
	"TandemSync/internal/adapter/tandem"
	"TandemSync/internal/api"
	"TandemSync/internal/config"
	"TandemSync/internal/export"
	"TandemSync/internal/extractor"
	"TandemSync/internal/lock"
	"TandemSync/internal/mcp"
	"TandemSync/internal/repository"
	"TandemSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

// 退出码
const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitFailed  = 3
	exitPartial = 5
)

type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitErr{code: code, err: err}
}

const usage = `tandemsync：Tandem 胰岛素泵数据增量同步

用法:
  tandemsync <command> [flags]

命令:
  run      执行一次完整同步（抓取 → 解析 → 抽取）
  watch    持续同步，按间隔运行
  serve    启动管理接口（HTTP）
  export   导出表到 parquet/csv/xlsx
  mcp      以 MCP（stdio）提供只读查询工具
  tables   列出可查询的表

使用 "tandemsync <command> --help" 查看命令参数。
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		code := exitError
		var ee *exitErr
		if errors.As(err, &ee) {
			code = ee.code
		}
		if code != exitOK {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(code)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(ctx, rest)
	case "watch":
		return cmdWatch(ctx, rest)
	case "serve":
		return cmdServe(ctx, rest)
	case "export":
		return cmdExport(ctx, rest)
	case "mcp":
		return cmdMCP(rest)
	case "tables":
		return cmdTables(rest)
	}
	fmt.Fprint(os.Stderr, usage)
	return withCode(exitUsage, fmt.Errorf("未知命令: %s", cmd))
}

// newFlagSet 每个子命令共用 --config
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "配置文件路径（默认 ./config/config.yaml）")
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, withCode(exitUsage, err)
	}
	if fs.NArg() > 0 {
		return false, withCode(exitUsage, fmt.Errorf("多余的参数: %s", strings.Join(fs.Args(), " ")))
	}
	return false, nil
}

// app 启动期依赖
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	db      *gorm.DB
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("资源关闭失败")
		}
	}
}

// bootstrap 加载配置并初始化日志；openDB 为 true 时打开可写数据库（含迁移）
func bootstrap(configPath string, openDB bool) (*app, error) {
	// 1. 加载配置文件
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitUsage, err)
	}

	// 2. 初始化日志
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	logger.Debug("配置文件加载成功")

	a := &app{cfg: cfg, logger: logger}
	if !openDB {
		return a, nil
	}

	// 3. 打开数据库（库表不存在则自动创建）
	db, err := repository.Open(&cfg.Database, logger, repository.OpenOptions{})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() error { return repository.Close(db) })
	return a, nil
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level 无效: %w", err)
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// pipeline 组装 抓取 → 解析 → 抽取
func (a *app) pipeline(ctx context.Context) (*service.PipelineService, error) {
	registry, err := adapter.NewSourceRegistry(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	source, err := registry.Get(a.cfg.Pipeline.Source)
	if err != nil {
		return nil, err
	}
	extractors, err := extractor.NewRegistry(a.db, a.cfg.Pipeline, a.logger).Enabled(a.cfg.Pipeline.Extractors)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	locker, closeLock, err := lock.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLock)

	fetcher := service.NewFetchService(repository.NewRawRepository(a.db), source, a.cfg.Pipeline, a.logger)
	parser := service.NewParseService(repository.NewEventRepository(a.db), tandem.EventName, a.cfg.Pipeline.ParseBatchSize, a.logger)
	return service.NewPipelineService(fetcher, parser, extractors, locker, a.logger), nil
}

func (a *app) queryService() *service.QueryService {
	if a.db != nil {
		repo := repository.NewQueryRepository(a.db)
		return service.NewQueryService(func() (*repository.QueryRepository, error) { return repo, nil }, a.cfg.Pipeline, a.logger)
	}
	// 只读：数据库文件可能尚未创建，每次调用时重试打开
	var opened *gorm.DB
	a.closers = append(a.closers, func() error {
		if opened != nil {
			return repository.Close(opened)
		}
		return nil
	})
	provider := service.LazyQueryRepo(func() (*gorm.DB, error) {
		db, err := repository.Open(&a.cfg.Database, a.logger, repository.OpenOptions{ReadOnly: true})
		if err == nil {
			opened = db
		}
		return db, err
	})
	return service.NewQueryService(provider, a.cfg.Pipeline, a.logger)
}

func cmdRun(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("run", &configPath)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	report, err := p.RunFull(ctx)
	if err != nil {
		return withCode(exitFailed, err)
	}
	fmt.Printf("同步完成：抓取 %d，解析 %d，抽取 %d，跳过 %d，失败 %d\n",
		report.Fetched, report.Parsed, report.Extracted, report.Skipped, report.Failed)
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	var (
		configPath string
		interval   time.Duration
	)
	fs := newFlagSet("watch", &configPath)
	fs.DurationVarP(&interval, "interval", "i", 0, "同步间隔（默认取 pipeline.watch_interval，最小 1m）")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if interval == 0 {
		interval = a.cfg.Pipeline.WatchInterval
	}
	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	w, err := service.NewWatcher(p, interval, a.logger)
	if err != nil {
		return withCode(exitUsage, err)
	}
	return w.Run(ctx)
}

func cmdServe(ctx context.Context, args []string) error {
	var (
		configPath string
		port       int
		withPprof  bool
	)
	fs := newFlagSet("serve", &configPath)
	fs.IntVarP(&port, "port", "p", 0, "监听端口（默认取 server.port）")
	fs.BoolVar(&withPprof, "pprof", true, "注册 /debug/pprof")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()
	if port == 0 {
		port = a.cfg.Server.Port
	}

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}

	// 配置Gin运行模式（从配置读取：debug/release）
	gin.SetMode(a.cfg.Server.Mode)
	r := api.NewRouter(api.Deps{
		DB:        a.db,
		Pipeline:  p,
		Query:     a.queryService(),
		Exporter:  export.NewExporter(repository.NewQueryRepository(a.db), p, a.logger),
		ExportDir: a.cfg.Export.OutputDir,
		Format:    a.cfg.Export.Format,
		Logger:    a.logger,
		Pprof:     withPprof,
	})
	return api.Serve(ctx, r, fmt.Sprintf(":%d", port), a.logger)
}

func cmdExport(ctx context.Context, args []string) error {
	var (
		configPath string
		tables     []string
		format     string
		outputDir  string
		startDate  string
		endDate    string
		noFetch    bool
		overwrite  bool
	)
	fs := newFlagSet("export", &configPath)
	fs.StringSliceVarP(&tables, "tables", "t", nil, "导出的表（默认全部）：cgm_readings, basal_deliveries, events, raw_events")
	fs.StringVarP(&format, "format", "f", "", "导出格式 parquet/csv/xlsx（默认取 export.format）")
	fs.StringVarP(&outputDir, "output-dir", "o", "", "输出目录（默认取 export.output_dir）")
	fs.StringVar(&startDate, "start-date", "", "起始日期 YYYY-MM-DD（含）")
	fs.StringVar(&endDate, "end-date", "", "结束日期 YYYY-MM-DD（含）")
	fs.BoolVar(&noFetch, "no-fetch", false, "导出前不同步最新数据")
	fs.BoolVar(&overwrite, "overwrite", false, "覆盖已存在的文件")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := export.Options{
		Tables:      tables,
		Format:      firstNonEmpty(format, a.cfg.Export.Format),
		OutputDir:   firstNonEmpty(outputDir, a.cfg.Export.OutputDir),
		FetchLatest: !noFetch,
		Overwrite:   overwrite,
	}
	if opts.StartDate, err = parseDateFlag("start-date", startDate); err != nil {
		return err
	}
	if opts.EndDate, err = parseDateFlag("end-date", endDate); err != nil {
		return err
	}

	var runner export.PipelineRunner
	if opts.FetchLatest {
		p, err := a.pipeline(ctx)
		if err != nil {
			return err
		}
		runner = p
	}
	summary, err := export.NewExporter(repository.NewQueryRepository(a.db), runner, a.logger).Export(ctx, opts)
	if summary == nil {
		return withCode(exitError, err)
	}
	printSummary(summary)
	switch {
	case err != nil:
		return withCode(exitFailed, err)
	case summary.FailureCount > 0:
		return withCode(exitPartial, fmt.Errorf("%d 张表导出失败", summary.FailureCount))
	}
	return nil
}

func printSummary(s *export.Summary) {
	fmt.Printf("\n导出汇总:\n")
	fmt.Printf("  成功表数:  %d/%d\n", s.SuccessCount, len(s.Results))
	fmt.Printf("  总行数:    %d\n", s.TotalRows)
	fmt.Printf("  总大小:    %.1f MB\n", float64(s.TotalBytes)/1024/1024)
	fmt.Printf("  耗时:      %.1fs\n", s.TotalDuration.Seconds())
	for _, r := range s.Results {
		switch {
		case !r.Success:
			fmt.Printf("  ✗ %s: %s\n", r.Table, r.Error)
		case r.Skipped:
			fmt.Printf("  - %s（文件已存在，跳过）\n", r.Path)
		default:
			fmt.Printf("  ✓ %s (%.1f MB, %d rows)\n", r.Path, float64(r.SizeBytes)/1024/1024, r.Rows)
		}
	}
}

func cmdMCP(args []string) error {
	var configPath string
	fs := newFlagSet("mcp", &configPath)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("MCP 服务已启动（stdio）")
	return mcp.ServeStdio(a.queryService())
}

func cmdTables(args []string) error {
	var configPath string
	fs := newFlagSet("tables", &configPath)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	a, err := bootstrap(configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Println(service.FormatTables(a.queryService().ListTables()))
	return nil
}

func parseDateFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("--%s 格式错误 '%s'，应为 YYYY-MM-DD", name, v))
	}
	return &t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

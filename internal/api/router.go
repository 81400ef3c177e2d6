package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"TandemSync/internal/export"
	"TandemSync/internal/service"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps 路由依赖
type Deps struct {
	DB        *gorm.DB
	Pipeline  *service.PipelineService
	Query     *service.QueryService
	Exporter  *export.Exporter
	ExportDir string
	Format    string // 默认导出格式
	Logger    *logrus.Logger
	Pprof     bool
}

// NewRouter 注册全部路由
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	// 注册pprof 方便调试和监测性能问题
	if d.Pprof {
		pprof.Register(r)
	}

	pipelineHandler := NewPipelineHandler(d.Pipeline, d.Logger)
	r.POST("/pipeline/run", pipelineHandler.RunPipeline)
	r.GET("/pipeline/status", pipelineHandler.PipelineStatus)

	readingsHandler := NewReadingsHandler(d.DB, d.Logger)
	r.GET("/api/readings/cgm", readingsHandler.ListCgm)
	r.GET("/api/readings/basal", readingsHandler.ListBasal)

	queryHandler := NewQueryHandler(d.Query, d.Logger)
	r.POST("/api/query", queryHandler.Query)
	r.GET("/api/tables", queryHandler.ListTables)
	r.GET("/api/tables/:name", queryHandler.DescribeTable)

	if d.Exporter != nil {
		exportHandler := NewExportHandler(d.Exporter, d.ExportDir, d.Format, d.Logger)
		r.POST("/api/export", exportHandler.Export)
	}
	return r
}

// requestLogger 请求日志输出到 logrus
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("HTTP请求")
	}
}

// Serve 启动 HTTP 服务，ctx 取消后优雅关闭
func Serve(ctx context.Context, handler http.Handler, addr string, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("服务启动成功，监听 %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package api

import (
	"errors"
	"net/http"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/export"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ExportHandler 导出接口，文件写到服务端配置的目录
type ExportHandler struct {
	exporter  *export.Exporter
	outputDir string
	format    string
	logger    *logrus.Logger
}

func NewExportHandler(exporter *export.Exporter, outputDir, format string, logger *logrus.Logger) *ExportHandler {
	return &ExportHandler{exporter: exporter, outputDir: outputDir, format: format, logger: logger}
}

type exportRequest struct {
	Tables      []string `json:"tables"`
	Format      string   `json:"format"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	FetchLatest bool     `json:"fetch_latest"`
	Overwrite   bool     `json:"overwrite"`
}

// Export POST /api/export
func (h *ExportHandler) Export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := export.Options{
		Tables:      req.Tables,
		Format:      req.Format,
		OutputDir:   h.outputDir,
		FetchLatest: req.FetchLatest,
		Overwrite:   req.Overwrite,
	}
	if opts.Format == "" {
		opts.Format = h.format
	}
	var err error
	if opts.StartDate, err = parseDate(req.StartDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date 格式应为 YYYY-MM-DD"})
		return
	}
	if opts.EndDate, err = parseDate(req.EndDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_date 格式应为 YYYY-MM-DD"})
		return
	}

	summary, err := h.exporter.Export(c.Request.Context(), opts)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.Is(err, apperr.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case summary == nil:
		// 参数校验失败
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("导出失败")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
	}
}

func parseDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

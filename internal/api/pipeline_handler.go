package api

import (
	"context"
	"errors"
	"net/http"

	"TandemSync/internal/apperr"
	"TandemSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PipelineHandler struct {
	pipeline *service.PipelineService
	logger   *logrus.Logger
}

func NewPipelineHandler(pipeline *service.PipelineService, logger *logrus.Logger) *PipelineHandler {
	return &PipelineHandler{pipeline: pipeline, logger: logger}
}

// RunPipeline 执行一次完整同步（抓取 → 解析 → 抽取）
// @Summary 触发一次同步
// @Success 200 {object} model.PipelineReport
// @Failure 409 {object} map[string]string
// @Failure 500 {object} model.PipelineReport
// @Router /pipeline/run [post]
func (h *PipelineHandler) RunPipeline(c *gin.Context) {
	// 客户端断开不应中断已开始的运行
	ctx := context.WithoutCancel(c.Request.Context())

	report, err := h.pipeline.RunFull(ctx)
	if errors.Is(err, apperr.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("同步运行失败")
		if report == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PipelineStatus 当前运行与上一次运行的报告
// GET /pipeline/status
func (h *PipelineHandler) PipelineStatus(c *gin.Context) {
	running, last := h.pipeline.Status()
	c.JSON(http.StatusOK, gin.H{
		"running": running,
		"last":    last,
	})
}

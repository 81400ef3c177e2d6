package api

import (
	"errors"
	"net/http"

	"TandemSync/internal/apperr"
	"TandemSync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// QueryHandler 只读查询接口
type QueryHandler struct {
	query  *service.QueryService
	logger *logrus.Logger
}

func NewQueryHandler(query *service.QueryService, logger *logrus.Logger) *QueryHandler {
	return &QueryHandler{query: query, logger: logger}
}

type queryRequest struct {
	SQL   string `json:"sql" binding:"required"`
	Limit int    `json:"limit"`
}

// Query 执行只读 SQL
// POST /api/query {"sql": "SELECT ...", "limit": 100}；?format=text 返回制表符文本
func (h *QueryHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.query.Query(c.Request.Context(), req.SQL, req.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, res.Format())
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListTables GET /api/tables
func (h *QueryHandler) ListTables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": h.query.ListTables()})
}

// DescribeTable GET /api/tables/:name
func (h *QueryHandler) DescribeTable(c *gin.Context) {
	name := c.Param("name")
	cols, err := h.query.DescribeTable(name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"table": name, "columns": cols})
}

func (h *QueryHandler) respondError(c *gin.Context, err error) {
	var unknown *service.UnknownTableError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotReadOnly), errors.Is(err, service.ErrMultipleStatements):
		status = http.StatusBadRequest
	case errors.As(err, &unknown):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrDatabaseNotFound):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrQueryTimeout):
		status = http.StatusGatewayTimeout
	default:
		h.logger.WithError(err).Error("查询失败")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

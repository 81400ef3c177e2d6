package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultReadingLimit = 1000
	maxReadingLimit     = 10000
)

// ReadingsHandler 领域表读取接口
type ReadingsHandler struct {
	cgm    *repository.DomainRepository[model.CgmReading]
	basal  *repository.DomainRepository[model.BasalDelivery]
	logger *logrus.Logger
}

func NewReadingsHandler(db *gorm.DB, logger *logrus.Logger) *ReadingsHandler {
	return &ReadingsHandler{
		cgm:    repository.NewDomainRepository[model.CgmReading](db),
		basal:  repository.NewDomainRepository[model.BasalDelivery](db),
		logger: logger,
	}
}

type cgmReadingView struct {
	ID         uint64    `json:"id"`
	EventsID   uint64    `json:"events_id"`
	Timestamp  time.Time `json:"timestamp"`
	CgmReading int       `json:"cgm_reading"`
}

type basalDeliveryView struct {
	ID                 uint64    `json:"id"`
	EventsID           uint64    `json:"events_id"`
	Timestamp          time.Time `json:"timestamp"`
	ProfileBasalRate   *int      `json:"profile_basal_rate"`
	AlgorithmBasalRate *int      `json:"algorithm_basal_rate"`
	TempBasalRate      *int      `json:"temp_basal_rate"`
}

// ListCgm 血糖读数
// GET /api/readings/cgm?start=2024-06-01&end=2024-06-30&limit=1000
func (h *ReadingsHandler) ListCgm(c *gin.Context) {
	tr, limit, err := parseRangeQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.cgm.ListRange(c.Request.Context(), tr, limit)
	if err != nil {
		h.logger.WithError(err).Error("ListCgm failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]cgmReadingView, 0, len(rows))
	for _, r := range rows {
		out = append(out, cgmReadingView{ID: r.ID, EventsID: r.EventsID, Timestamp: r.Timestamp.UTC(), CgmReading: r.CgmReading})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "readings": out})
}

// ListBasal 基础率输注
// GET /api/readings/basal?start=&end=&limit=
func (h *ReadingsHandler) ListBasal(c *gin.Context) {
	tr, limit, err := parseRangeQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.basal.ListRange(c.Request.Context(), tr, limit)
	if err != nil {
		h.logger.WithError(err).Error("ListBasal failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]basalDeliveryView, 0, len(rows))
	for _, r := range rows {
		out = append(out, basalDeliveryView{
			ID:                 r.ID,
			EventsID:           r.EventsID,
			Timestamp:          r.Timestamp.UTC(),
			ProfileBasalRate:   r.ProfileBasalRate,
			AlgorithmBasalRate: r.AlgorithmBasalRate,
			TempBasalRate:      r.TempBasalRate,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "deliveries": out})
}

// parseRangeQuery start/end 支持 YYYY-MM-DD（按整天）或 RFC3339
func parseRangeQuery(c *gin.Context) (model.TimeRange, int, error) {
	var tr model.TimeRange
	if v := c.Query("start"); v != "" {
		t, dateOnly, err := parseTimeParam(v)
		if err != nil {
			return tr, 0, fmt.Errorf("start 格式错误: %w", err)
		}
		if dateOnly {
			t = model.DayRange(&t, nil).Start
		}
		tr.Start = t
	}
	if v := c.Query("end"); v != "" {
		t, dateOnly, err := parseTimeParam(v)
		if err != nil {
			return tr, 0, fmt.Errorf("end 格式错误: %w", err)
		}
		if dateOnly {
			t = model.DayRange(nil, &t).End
		}
		tr.End = t
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.Start.After(tr.End) {
		return tr, 0, fmt.Errorf("start 不能晚于 end")
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultReadingLimit)))
	if err != nil || limit < 1 {
		return tr, 0, fmt.Errorf("limit 必须是正整数")
	}
	if limit > maxReadingLimit {
		limit = maxReadingLimit
	}
	return tr, limit, nil
}

func parseTimeParam(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

package extractor

import (
	"context"

	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	NameGlucose  = "cgm"
	glucoseField = "currentglucosedisplayvalue"
)

// GlucoseExtractor LID_CGM_DATA* → cgm_readings
type GlucoseExtractor struct {
	runner[model.CgmReading]
	min, max int
}

func NewGlucoseExtractor(db *gorm.DB, min, max, batch int, logger *logrus.Logger) *GlucoseExtractor {
	e := &GlucoseExtractor{min: min, max: max}
	e.runner = runner[model.CgmReading]{
		name:     NameGlucose,
		prefixes: prefixesByExtractor[NameGlucose],
		repo:     repository.NewDomainRepository[model.CgmReading](db),
		batch:    batch,
		logger:   logger,
		convert:  e.convert,
	}
	return e
}

func (e *GlucoseExtractor) Name() string                { return NameGlucose }
func (e *GlucoseExtractor) TableName() string           { return model.TableCgmReadings }
func (e *GlucoseExtractor) EventNamePrefixes() []string { return e.prefixes }

func (e *GlucoseExtractor) ExtractNew(ctx context.Context) (*model.ExtractReport, error) {
	return e.run(ctx)
}

func (e *GlucoseExtractor) convert(ev *model.Event, data map[string]interface{}) (*model.CgmReading, error) {
	v, absent, err := intField(data, glucoseField)
	if err != nil {
		return nil, err
	}
	if absent {
		return nil, skip("缺少 %s", glucoseField)
	}
	if v < e.min || v > e.max {
		return nil, skip("血糖值 %d 超出范围 [%d, %d]", v, e.min, e.max)
	}
	return &model.CgmReading{EventsID: ev.ID, Timestamp: ev.Timestamp.UTC(), CgmReading: v}, nil
}

package extractor

import (
	"context"

	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const NameBasal = "basal"

// BasalExtractor LID_BASAL_DELIVERY* → basal_deliveries
type BasalExtractor struct {
	runner[model.BasalDelivery]
}

func NewBasalExtractor(db *gorm.DB, batch int, logger *logrus.Logger) *BasalExtractor {
	e := &BasalExtractor{}
	e.runner = runner[model.BasalDelivery]{
		name:     NameBasal,
		prefixes: prefixesByExtractor[NameBasal],
		repo:     repository.NewDomainRepository[model.BasalDelivery](db),
		batch:    batch,
		logger:   logger,
		convert:  convertBasal,
	}
	return e
}

func (e *BasalExtractor) Name() string                { return NameBasal }
func (e *BasalExtractor) TableName() string           { return model.TableBasalDeliveries }
func (e *BasalExtractor) EventNamePrefixes() []string { return e.prefixes }

func (e *BasalExtractor) ExtractNew(ctx context.Context) (*model.ExtractReport, error) {
	return e.run(ctx)
}

func convertBasal(ev *model.Event, data map[string]interface{}) (*model.BasalDelivery, error) {
	row := &model.BasalDelivery{EventsID: ev.ID, Timestamp: ev.Timestamp.UTC()}
	targets := []struct {
		key string
		dst **int
	}{
		{"profileBasalRate", &row.ProfileBasalRate},
		{"algorithmRate", &row.AlgorithmBasalRate},
		{"tempRate", &row.TempBasalRate},
	}

	present := 0
	for _, t := range targets {
		v, absent, err := intField(data, t.key)
		if err != nil {
			return nil, err
		}
		if absent {
			continue
		}
		val := v
		*t.dst = &val
		present++
	}
	if present == 0 {
		return nil, skip("基础率字段全部缺失")
	}
	return row, nil
}

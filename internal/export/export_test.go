package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TandemSync/internal/config"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var stamp = time.Date(2024, 6, 2, 9, 30, 15, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// seed 在 6/1、6/2、6/3 各写入一条血糖读数和一条基础率（其中一条速率为空）
func seed(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.DatabaseConfig{DSN: "sqlite://" + filepath.Join(t.TempDir(), "tandem.db"), MaxOpenConns: 1}
	db, err := repository.Open(cfg, quietLogger(), repository.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })

	ctx := context.Background()
	var recs []model.SourceRecord
	for i := 0; i < 6; i++ {
		recs = append(recs, model.SourceRecord{Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}
	_, _, err = repository.NewRawRepository(db).InsertWindow(ctx, stamp, recs)
	require.NoError(t, err)

	evRepo := repository.NewEventRepository(db)
	raws, err := evRepo.ListUnparsed(ctx, 0, 100)
	require.NoError(t, err)
	var events []*model.Event
	for i, r := range raws {
		day := time.Date(2024, 6, 1+i/2, 12, 0, 0, 0, time.UTC)
		name := "LID_CGM_DATA_G7"
		if i%2 == 1 {
			name = "LID_BASAL_DELIVERY"
		}
		events = append(events, &model.Event{RawEventsID: r.ID, Created: stamp, Timestamp: day, EventID: i, EventName: name, EventData: datatypes.JSON(`{}`)})
	}
	_, err = evRepo.InsertBatch(ctx, events)
	require.NoError(t, err)

	var cgm []*model.CgmReading
	var basal []*model.BasalDelivery
	rate := 800
	for i, ev := range events {
		if i%2 == 0 {
			cgm = append(cgm, &model.CgmReading{EventsID: ev.ID, Timestamp: ev.Timestamp, CgmReading: 100 + i})
		} else {
			b := &model.BasalDelivery{EventsID: ev.ID, Timestamp: ev.Timestamp, ProfileBasalRate: &rate}
			if i == 3 {
				b.ProfileBasalRate = nil
				b.TempBasalRate = &rate
			}
			basal = append(basal, b)
		}
	}
	_, err = repository.NewDomainRepository[model.CgmReading](db).Insert(ctx, cgm)
	require.NoError(t, err)
	_, err = repository.NewDomainRepository[model.BasalDelivery](db).Insert(ctx, basal)
	require.NoError(t, err)
	return db
}

func newExporter(db *gorm.DB, runner PipelineRunner) *Exporter {
	e := NewExporter(repository.NewQueryRepository(db), runner, quietLogger())
	e.now = func() time.Time { return stamp }
	return e
}

func day(d int) *time.Time {
	t := time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestExportCSVWithDateRange(t *testing.T) {
	db := seed(t)
	dir := t.TempDir()
	e := newExporter(db, nil)

	summary, err := e.Export(context.Background(), Options{
		Tables:    []string{"cgm_readings", "cgm_readings"},
		Format:    "CSV",
		OutputDir: dir,
		StartDate: day(2),
		EndDate:   day(3),
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	r := summary.Results[0]
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Rows)
	assert.Equal(t, filepath.Join(dir, "cgm_readings_20240602_093015.csv"), r.Path)
	assert.Positive(t, r.SizeBytes)
	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.TotalRows)

	f, err := os.Open(r.Path)
	require.NoError(t, err)
	defer f.Close()
	lines, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"id", "events_id", "timestamp", "cgm_reading"}, lines[0])
	assert.Equal(t, "102", lines[1][3])
	assert.Equal(t, "104", lines[2][3])
}

func TestExportParquet(t *testing.T) {
	db := seed(t)
	dir := t.TempDir()
	summary, err := newExporter(db, nil).Export(context.Background(), Options{
		Tables:    []string{"basal_deliveries", "events"},
		OutputDir: dir,
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 3+6, summary.TotalRows)

	path := summary.Results[0].Path
	assert.Equal(t, ".parquet", filepath.Ext(path))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	pf, err := parquet.OpenFile(f, st.Size())
	require.NoError(t, err)
	assert.EqualValues(t, 3, pf.NumRows())

	_, err = os.Stat(filepath.Join(dir, "basal_deliveries_20240602_093015.part.parquet"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportXLSX(t *testing.T) {
	db := seed(t)
	summary, err := newExporter(db, nil).Export(context.Background(), Options{
		Tables:    []string{"cgm_readings"},
		Format:    "xlsx",
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(summary.Results[0].Path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(xlsxSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "cgm_reading", rows[0][3])
	assert.Equal(t, "100", rows[1][3])
}

func TestExportSkipsExistingFile(t *testing.T) {
	db := seed(t)
	dir := t.TempDir()
	path := OutputPath(dir, "events", "csv", stamp)
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	e := newExporter(db, nil)
	summary, err := e.Export(context.Background(), Options{Tables: []string{"events"}, Format: "csv", OutputDir: dir})
	require.NoError(t, err)
	r := summary.Results[0]
	assert.True(t, r.Success)
	assert.True(t, r.Skipped)
	assert.Zero(t, r.Rows)
	assert.EqualValues(t, 4, r.SizeBytes)

	summary, err = e.Export(context.Background(), Options{Tables: []string{"events"}, Format: "csv", OutputDir: dir, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Results[0].Rows)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, "keep", string(data))
}

func TestExportValidation(t *testing.T) {
	db := seed(t)
	e := newExporter(db, nil)
	ctx := context.Background()

	_, err := e.Export(ctx, Options{Tables: []string{"cgm"}, OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Did you mean 'cgm_readings'?")

	_, err = e.Export(ctx, Options{Tables: []string{"users"}, OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "Did you mean")

	_, err = e.Export(ctx, Options{Format: "json", OutputDir: t.TempDir()})
	assert.ErrorContains(t, err, "Invalid format 'json'")

	_, err = e.Export(ctx, Options{StartDate: day(3), EndDate: day(1), OutputDir: t.TempDir()})
	assert.ErrorContains(t, err, "cannot be after")

	_, err = e.Export(ctx, Options{FetchLatest: true, OutputDir: t.TempDir()})
	assert.Error(t, err)
}

func TestExportAllTablesByDefault(t *testing.T) {
	db := seed(t)
	summary, err := newExporter(db, nil).Export(context.Background(), Options{Format: "csv", OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, summary.Results, len(model.ReadableTables))
	for i, r := range summary.Results {
		assert.Equal(t, model.ReadableTables[i], r.Table)
	}
	assert.Equal(t, 3+3+6+6, summary.TotalRows)
}

type fakeRunner struct {
	calls int
	err   error
}

func (f *fakeRunner) RunFull(context.Context) (*model.PipelineReport, error) {
	f.calls++
	if f.err != nil {
		return &model.PipelineReport{State: model.StateFailed, Error: f.err.Error()}, f.err
	}
	return &model.PipelineReport{State: model.StateCompleted}, nil
}

func TestExportFetchLatest(t *testing.T) {
	db := seed(t)
	runner := &fakeRunner{}
	summary, err := newExporter(db, runner).Export(context.Background(), Options{
		Tables: []string{"cgm_readings"}, Format: "csv", OutputDir: t.TempDir(), FetchLatest: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	require.NotNil(t, summary.Pipeline)
	assert.Equal(t, model.StateCompleted, summary.Pipeline.State)

	failing := &fakeRunner{err: errors.New("auth")}
	dir := t.TempDir()
	_, err = newExporter(db, failing).Export(context.Background(), Options{
		Tables: []string{"cgm_readings"}, Format: "csv", OutputDir: dir, FetchLatest: true,
	})
	require.Error(t, err)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestExportAllFailed(t *testing.T) {
	db := seed(t)
	e := newExporter(db, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := e.Export(ctx, Options{Tables: []string{"cgm_readings"}, Format: "csv", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFailed)
	require.NotNil(t, summary)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, leafInt64, kindOf("integer"))
	assert.Equal(t, leafInt64, kindOf("INT8"))
	assert.Equal(t, leafTimestamp, kindOf("datetime"))
	assert.Equal(t, leafTimestamp, kindOf("TIMESTAMPTZ"))
	assert.Equal(t, leafString, kindOf("JSON"))
	assert.Equal(t, leafString, kindOf("varchar(64)"))
	assert.Equal(t, leafDouble, kindOf("NUMERIC"))
}

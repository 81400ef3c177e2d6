package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"TandemSync/internal/apperr"
	"TandemSync/internal/config"
	"TandemSync/internal/extractor"
	"TandemSync/internal/lock"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDB(t *testing.T) (*gorm.DB, *config.DatabaseConfig) {
	t.Helper()
	cfg := &config.DatabaseConfig{DSN: "sqlite://" + filepath.Join(t.TempDir(), "tandem.db"), MaxOpenConns: 1}
	db, err := repository.Open(cfg, quietLogger(), repository.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })
	return db, cfg
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		EpochFloor:     "2024-01-01",
		WindowDays:     7,
		ParseBatchSize: 7,
		GlucoseMin:     40,
		GlucoseMax:     400,
		Retry: config.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
}

// fakeSource 每个窗口返回 perWindow 条 G7 血糖文档
type fakeSource struct {
	mu        sync.Mutex
	perWindow int
	authErr   error
	fetchErr  func(w model.Window, call int) error
	windows   []model.Window
	calls     int
	payloads  func(w model.Window) []model.SourceRecord
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Authenticate(context.Context) error { return f.authErr }

func (f *fakeSource) FetchEvents(_ context.Context, w model.Window) ([]model.SourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fetchErr != nil {
		if err := f.fetchErr(w, f.calls); err != nil {
			return nil, err
		}
	}
	f.windows = append(f.windows, w)
	if f.payloads != nil {
		return f.payloads(w), nil
	}
	out := make([]model.SourceRecord, 0, f.perWindow)
	for i := 0; i < f.perWindow; i++ {
		ts := w.Start.Add(time.Duration(i) * 5 * time.Minute)
		out = append(out, cgmRecord(int(ts.Unix()), ts, 100+i%50))
	}
	return out, nil
}

func cgmRecord(seq int, ts time.Time, value int) model.SourceRecord {
	doc := fmt.Sprintf(`{"event_timestamp":%q,"event_id":%d,"NAME":"LID_CGM_DATA_G7","currentglucosedisplayvalue":%d,"raw_event":{"source":1,"id":399,"seqNum":%d}}`,
		ts.Format(time.RFC3339), seq, value, seq)
	return model.SourceRecord{Source: "fake", Payload: json.RawMessage(doc)}
}

func resolveG7(id int) (string, bool) {
	if id == 399 {
		return "LID_CGM_DATA_G7", true
	}
	return "", false
}

func newFetchService(db *gorm.DB, src *fakeSource, cfg config.PipelineConfig) (*FetchService, *[]time.Duration) {
	s := NewFetchService(repository.NewRawRepository(db), src, cfg, quietLogger())
	s.now = func() time.Time { return fixedNow }
	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return s, &delays
}

func TestFetchStoresEveryRecord(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 25}
	s, _ := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	// 2024-01-01 ~ 2024-01-10，7 天窗口 → 2 个窗口
	assert.Equal(t, 2, report.WindowsTotal)
	assert.Equal(t, 2, report.WindowsCommitted)
	assert.Equal(t, 50, report.Fetched)
	assert.Equal(t, 50, report.Inserted)

	n, err := repository.NewRawRepository(db).Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
}

func TestFetchResumesFromCursor(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 3}
	s, _ := newFetchService(db, src, testPipelineConfig())

	_, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)

	latest, err := repository.NewRawRepository(db).LatestCreated(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(fixedNow))

	// 一天后再次运行：只抓取新增区间
	src.windows = nil
	s.now = func() time.Time { return fixedNow.Add(24 * time.Hour) }
	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, src.windows, 1)
	assert.True(t, src.windows[0].Start.Equal(fixedNow))
	assert.Equal(t, 3, report.Inserted)
}

func TestFetchResumesAfterInterruptedRun(t *testing.T) {
	ctx := context.Background()
	secondWindow := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	// 第二个窗口遇到致命错误，整次运行中止
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 4, fetchErr: func(w model.Window, _ int) error {
		if w.Start.Equal(secondWindow) {
			return apperr.ErrAuthFailed
		}
		return nil
	}}
	s, _ := newFetchService(db, src, testPipelineConfig())
	_, err := s.FetchNewRecords(ctx)
	require.Error(t, err)

	raw := repository.NewRawRepository(db)
	n, err := raw.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// 重跑只抓取未完成的窗口
	src.fetchErr = nil
	src.windows = nil
	report, err := s.FetchNewRecords(ctx)
	require.NoError(t, err)
	require.Len(t, src.windows, 1)
	assert.True(t, src.windows[0].Start.Equal(secondWindow))
	assert.True(t, src.windows[0].End.Equal(fixedNow))
	assert.Equal(t, 4, report.Inserted)
	assert.Zero(t, report.Duplicates)

	// 与一次未中断的运行结果一致
	clean, _ := newTestDB(t)
	cs, _ := newFetchService(clean, &fakeSource{perWindow: 4}, testPipelineConfig())
	_, err = cs.FetchNewRecords(ctx)
	require.NoError(t, err)

	digests := func(db *gorm.DB) []string {
		var out []string
		require.NoError(t, db.Model(&model.RawEvent{}).Order("payload_digest").Pluck("payload_digest", &out).Error)
		return out
	}
	assert.Equal(t, digests(clean), digests(db))
	assert.Len(t, digests(db), 8)
}

func TestFetchNothingToDo(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 1}
	cfg := testPipelineConfig()
	cfg.EpochFloor = "2024-01-10"
	s, _ := newFetchService(db, src, cfg)

	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.WindowsTotal)
	assert.Zero(t, src.calls)
}

func TestFetchIsIdempotentOnOverlap(t *testing.T) {
	db, _ := newTestDB(t)
	same := []model.SourceRecord{cgmRecord(1, fixedNow, 120), cgmRecord(2, fixedNow, 121)}
	src := &fakeSource{payloads: func(model.Window) []model.SourceRecord { return same }}
	s, _ := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 2, report.Duplicates)
}

func TestFetchAuthFailureIsFatal(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{authErr: apperr.ErrAuthFailed}
	s, delays := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthFailed)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, *delays)
	assert.Zero(t, src.calls)
}

func TestFetchRetriesExhausted(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 1, fetchErr: func(model.Window, int) error { return apperr.ErrRateLimited }}
	s, delays := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRetriesExhausted)
	assert.True(t, apperr.IsFatal(err))
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, 2, report.Retries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	assert.Zero(t, report.WindowsCommitted)
}

func TestFetchRetryThenSucceed(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 2, fetchErr: func(_ model.Window, call int) error {
		if call == 1 {
			return apperr.ErrUpstreamFailure
		}
		return nil
	}}
	s, _ := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retries)
	assert.Equal(t, 4, report.Inserted)
}

func TestFetchSkipsMalformedWindow(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 2, fetchErr: func(_ model.Window, call int) error {
		if call == 1 {
			return apperr.ErrMalformedPayload
		}
		return nil
	}}
	s, _ := newFetchService(db, src, testPipelineConfig())

	report, err := s.FetchNewRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.WindowsSkipped)
	assert.Equal(t, 1, report.WindowsCommitted)
	assert.Equal(t, 2, report.Inserted)
}

func TestFetchCanceled(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 1}
	s, _ := newFetchService(db, src, testPipelineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.FetchNewRecords(ctx)
	require.Error(t, err)
	assert.True(t, isCanceled(err))
	assert.Zero(t, src.calls)
}

func TestBackoff(t *testing.T) {
	r := config.RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, backoff(r, 1))
	assert.Equal(t, 2*time.Second, backoff(r, 2))
	assert.Equal(t, 4*time.Second, backoff(r, 3))
	assert.Equal(t, 5*time.Second, backoff(r, 4))
	assert.Equal(t, 5*time.Second, backoff(r, 10))
	assert.Equal(t, time.Second, backoff(config.RetryConfig{}, 1))
}

func TestParseRecordsFailuresAndContinues(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	recs := []model.SourceRecord{
		cgmRecord(1, fixedNow, 120),
		{Payload: json.RawMessage(`not json`)},
		{Payload: json.RawMessage(`{"event_id":3,"raw_event":{"id":399}}`)},
		{Payload: json.RawMessage(`{"event_timestamp":"2024-01-09T10:00:00Z","event_id":4,"raw_event":{"id":9999}}`)},
		cgmRecord(5, fixedNow.Add(time.Minute), 130),
	}
	_, _, err := repository.NewRawRepository(db).InsertWindow(ctx, fixedNow, recs)
	require.NoError(t, err)

	p := NewParseService(repository.NewEventRepository(db), resolveG7, 2, quietLogger())
	report, err := p.ParseNewRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Selected)
	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, 3, report.Failed)
	require.Len(t, report.Failures, 3)
	assert.Contains(t, report.Failures[2].Reason, "9999")

	// 重跑：失败记录会被重新选中，但不会重复写入
	again, err := p.ParseNewRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Selected)
	assert.Zero(t, again.Parsed)

	var ev model.Event
	require.NoError(t, db.Where("event_id = ?", 1).Take(&ev).Error)
	assert.Equal(t, "LID_CGM_DATA_G7", ev.EventName)
	assert.NotContains(t, string(ev.EventData), "raw_event")
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, v := range []string{"2024-01-09T10:00:00Z", "2024-01-09T05:00:00-05:00", "2024-01-09T10:00:00.5"} {
		_, err := parseTimestamp(v)
		assert.NoError(t, err, v)
	}
	_, err := parseTimestamp("yesterday")
	assert.Error(t, err)
}

func newPipeline(t *testing.T, db *gorm.DB, src *fakeSource, locker lock.Locker) *PipelineService {
	t.Helper()
	cfg := testPipelineConfig()
	fetch, _ := newFetchService(db, src, cfg)
	parse := NewParseService(repository.NewEventRepository(db), resolveG7, cfg.ParseBatchSize, quietLogger())
	extractors, err := extractor.NewRegistry(db, cfg, quietLogger()).Enabled(nil)
	require.NoError(t, err)
	return NewPipelineService(fetch, parse, extractors, locker, quietLogger())
}

func TestPipelineRunFull(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{perWindow: 25}
	p := newPipeline(t, db, src, nil)

	report, err := p.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, report.State)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 50, report.Fetched)
	assert.Equal(t, 50, report.Parsed)
	assert.Equal(t, 50, report.Extracted)
	require.Len(t, report.Extract, 2)

	running, last := p.Status()
	assert.Nil(t, running)
	require.NotNil(t, last)
	assert.Equal(t, report.RunID, last.RunID)

	// 无新数据时再次运行：什么都不新增
	again, err := p.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, again.State)
	assert.Zero(t, again.Fetched)
	assert.Zero(t, again.Parsed)
	assert.Zero(t, again.Extracted)
}

func TestPipelineInvalidRecordStillCompletes(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{payloads: func(w model.Window) []model.SourceRecord {
		return []model.SourceRecord{
			cgmRecord(int(w.Start.Unix()), w.Start, 110),
			{Payload: json.RawMessage(fmt.Sprintf(`{"bad":%d}`, w.Start.Unix()))},
		}
	}}
	p := newPipeline(t, db, src, nil)

	report, err := p.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, report.State)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, 2, report.Failed)
}

func TestPipelineFatalMarksFailed(t *testing.T) {
	db, _ := newTestDB(t)
	src := &fakeSource{authErr: apperr.ErrAuthFailed}
	p := newPipeline(t, db, src, nil)

	report, err := p.RunFull(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.StateFailed, report.State)
	assert.NotEmpty(t, report.Error)
	_, last := p.Status()
	require.NotNil(t, last)
	assert.Equal(t, model.StateFailed, last.State)
}

func TestPipelineRejectsConcurrentRun(t *testing.T) {
	db, _ := newTestDB(t)
	locker := lock.NewLocalLocker()
	release, err := locker.TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	p := newPipeline(t, db, &fakeSource{perWindow: 1}, locker)
	_, err = p.RunFull(context.Background())
	assert.ErrorIs(t, err, apperr.ErrRunInProgress)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	err     error
	calls   int
	mu      sync.Mutex
}

func (r *blockingRunner) RunFull(ctx context.Context) (*model.PipelineReport, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.PipelineReport{RunID: "r", State: model.StateCompleted}, nil
}

func TestNewWatcherInterval(t *testing.T) {
	w, err := NewWatcher(&blockingRunner{}, 0, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultWatchInterval, w.interval)

	_, err = NewWatcher(&blockingRunner{}, 30*time.Second, quietLogger())
	assert.Error(t, err)
}

func TestWatcherSkipsOverlappingRun(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	w, err := NewWatcher(r, time.Minute, quietLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	w.trigger(context.Background(), &wg)
	<-r.started
	w.trigger(context.Background(), &wg)

	close(r.release)
	wg.Wait()
	runs, skips := w.Stats()
	assert.EqualValues(t, 1, runs)
	assert.EqualValues(t, 1, skips)
}

func TestWatcherContinuesAfterFailure(t *testing.T) {
	r := &blockingRunner{err: errors.New("boom")}
	w, err := NewWatcher(r, time.Minute, quietLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	w.trigger(context.Background(), &wg)
	wg.Wait()
	w.trigger(context.Background(), &wg)
	wg.Wait()

	runs, skips := w.Stats()
	assert.EqualValues(t, 2, runs)
	assert.Zero(t, skips)
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}, 1)}
	w, err := NewWatcher(r, time.Minute, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	<-r.started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, 1, r.calls)
}

func TestValidateReadOnly(t *testing.T) {
	cases := []struct {
		sql  string
		want error
	}{
		{"SELECT * FROM cgm_readings", nil},
		{"  with x as (select 1) select * from x", nil},
		{"select created from raw_events", nil},
		{"DELETE FROM cgm_readings", ErrNotReadOnly},
		{"PRAGMA table_info(events)", ErrNotReadOnly},
		{"SELECT 1; DROP TABLE events", ErrMultipleStatements},
		{"WITH d AS (DELETE FROM events RETURNING *) SELECT * FROM d", ErrNotReadOnly},
		{"SELECT * FROM events WHERE 1=1 OR (INSERT)", ErrNotReadOnly},
	}
	for _, c := range cases {
		err := ValidateReadOnly(c.sql)
		if c.want == nil {
			assert.NoError(t, err, c.sql)
		} else {
			assert.ErrorIs(t, err, c.want, c.sql)
		}
	}
}

func newQueryService(t *testing.T) (*QueryService, *gorm.DB) {
	t.Helper()
	db, _ := newTestDB(t)
	p := newPipeline(t, db, &fakeSource{perWindow: 5}, nil)
	_, err := p.RunFull(context.Background())
	require.NoError(t, err)

	cfg := config.PipelineConfig{QueryTimeout: 5 * time.Second, QueryMaxRows: 10000, QueryDefaultRow: 1000}
	repo := repository.NewQueryRepository(db)
	return NewQueryService(func() (*repository.QueryRepository, error) { return repo, nil }, cfg, quietLogger()), db
}

func TestQueryFormatsAndTruncates(t *testing.T) {
	s, _ := newQueryService(t)

	res, err := s.Query(context.Background(), "SELECT cgm_reading FROM cgm_readings ORDER BY timestamp", 3)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Rows, 3)
	out := res.Format()
	assert.True(t, strings.HasPrefix(out, "cgm_reading\n100\n101\n102"))
	assert.Contains(t, out, "3 rows returned (results truncated")

	res, err = s.Query(context.Background(), "SELECT COUNT(*) AS n FROM cgm_readings", 0)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, "n\n10\n\n1 rows returned.", res.Format())
}

func TestQueryRejectsWrites(t *testing.T) {
	s, db := newQueryService(t)
	_, err := s.Query(context.Background(), "DROP TABLE cgm_readings", 10)
	assert.ErrorIs(t, err, ErrNotReadOnly)
	assert.True(t, db.Migrator().HasTable("cgm_readings"))
}

func TestClampLimit(t *testing.T) {
	s := NewQueryService(nil, config.PipelineConfig{}, quietLogger())
	assert.Equal(t, 1000, s.ClampLimit(0))
	assert.Equal(t, 1, s.ClampLimit(-5))
	assert.Equal(t, 10000, s.ClampLimit(50000))
	assert.Equal(t, 42, s.ClampLimit(42))
}

func TestDescribeAndListTables(t *testing.T) {
	s, _ := newQueryService(t)

	tables := s.ListTables()
	require.Len(t, tables, len(model.ReadableTables))
	out := FormatTables(tables)
	assert.True(t, strings.HasPrefix(out, "Available tables:"))
	assert.Contains(t, out, "- cgm_readings: ")

	cols, err := s.DescribeTable("cgm_readings")
	require.NoError(t, err)
	assert.Contains(t, FormatColumns("cgm_readings", cols), "- cgm_reading: ")

	_, err = s.DescribeTable("sqlite_master")
	var unknown *UnknownTableError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "Valid tables are: cgm_readings")
}

func TestQueryMissingDatabase(t *testing.T) {
	cfg := &config.DatabaseConfig{DSN: "sqlite://" + filepath.Join(t.TempDir(), "missing.db")}
	provider := LazyQueryRepo(func() (*gorm.DB, error) {
		return repository.Open(cfg, quietLogger(), repository.OpenOptions{ReadOnly: true})
	})
	s := NewQueryService(provider, config.PipelineConfig{}, quietLogger())

	_, err := s.Query(context.Background(), "SELECT 1", 1)
	assert.ErrorIs(t, err, apperr.ErrDatabaseNotFound)
	_, err = s.DescribeTable("events")
	assert.ErrorIs(t, err, apperr.ErrDatabaseNotFound)
}

func TestIntValueRange(t *testing.T) {
	v, err := intValue(float64(math.MaxUint32), "event_id")
	require.NoError(t, err)
	assert.Equal(t, math.MaxUint32, v)

	_, err = intValue(1e20, "event_id")
	assert.Error(t, err)
	_, err = intValue(1.5, "event_id")
	assert.Error(t, err)
	_, err = intValue("3", "event_id")
	assert.Error(t, err)
}

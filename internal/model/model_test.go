package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(17 * 24 * time.Hour)

	windows := SplitWindows(start, end, 7*24*time.Hour)
	require.Len(t, windows, 3)
	assert.Equal(t, start, windows[0].Start)
	assert.Equal(t, windows[0].End, windows[1].Start)
	assert.Equal(t, windows[1].End, windows[2].Start)
	assert.Equal(t, end, windows[2].End)
	assert.Equal(t, 3*24*time.Hour, windows[2].End.Sub(windows[2].Start))

	assert.Empty(t, SplitWindows(end, start, time.Hour))
	assert.Empty(t, SplitWindows(start, start, time.Hour))
	assert.Empty(t, SplitWindows(start, end, 0))
}

func TestPipelineStateTransitions(t *testing.T) {
	assert.True(t, StateNotStarted.CanTransition(StateFetching))
	assert.True(t, StateFetching.CanTransition(StateParsing))
	assert.True(t, StateParsing.CanTransition(StateExtracting))
	assert.True(t, StateExtracting.CanTransition(StateCompleted))

	for _, s := range []PipelineState{StateNotStarted, StateFetching, StateParsing, StateExtracting} {
		assert.True(t, s.CanTransition(StateFailed), string(s))
	}

	assert.False(t, StateNotStarted.CanTransition(StateParsing))
	assert.False(t, StateCompleted.CanTransition(StateFailed))
	assert.False(t, StateFailed.CanTransition(StateFetching))
}

func TestPipelineReportSummarize(t *testing.T) {
	r := &PipelineReport{
		Fetch: &FetchReport{Inserted: 50, WindowsSkipped: 1},
		Parse: &ParseReport{Parsed: 48, Failed: 2},
		Extract: []ExtractReport{
			{Extractor: "cgm", Extracted: 30, Skipped: 1},
			{Extractor: "basal", Extracted: 10},
		},
	}
	r.Summarize()
	assert.Equal(t, 50, r.Fetched)
	assert.Equal(t, 48, r.Parsed)
	assert.Equal(t, 40, r.Extracted)
	assert.Equal(t, 2, r.Skipped)
	assert.Equal(t, 2, r.Failed)
}

func TestFailureDetailIsCapped(t *testing.T) {
	var r ParseReport
	for i := 0; i < maxReportedFailures+20; i++ {
		r.Fail(uint64(i), "bad")
	}
	assert.Equal(t, maxReportedFailures+20, r.Failed)
	assert.Len(t, r.Failures, maxReportedFailures)
}

func TestDayRange(t *testing.T) {
	d := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)
	r := DayRange(&d, &d)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, 23, r.End.Hour())
	assert.True(t, DayRange(nil, nil).Start.IsZero())
}

package runhistory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/runhistory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T) *runhistory.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := runhistory.Open(filepath.Join(dir, "run_history.jsonl"), filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecentOrdersNewestFirst(t *testing.T) {
	l := openLog(t)

	rec1 := domain.RunRecord{RunID: "r1", Mode: domain.RunModeFullRebuild, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Success: true}
	rec2 := domain.RunRecord{RunID: "r2", Mode: domain.RunModeRollingResequence, Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Success: true}

	require.NoError(t, l.Append(rec1))
	require.NoError(t, l.Append(rec2))

	recent, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r2", recent[0].RunID)
	assert.Equal(t, "r1", recent[1].RunID)
}

func TestByIDFindsExactRecord(t *testing.T) {
	l := openLog(t)
	rec := domain.RunRecord{RunID: "abc", Mode: domain.RunModePartialRebuild, Timestamp: time.Now().UTC(), RowsWritten: 42, Success: false, ErrorMessage: "boom"}
	require.NoError(t, l.Append(rec))

	got, ok, err := l.ByID("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, got.RowsWritten)
	assert.False(t, got.Success)
	assert.Equal(t, "boom", got.ErrorMessage)

	_, ok, err = l.ByID("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendRoundTripsStatsSummaryJSON(t *testing.T) {
	l := openLog(t)
	rec := domain.RunRecord{
		RunID:            "stats1",
		Mode:             domain.RunModeFullRebuild,
		Timestamp:        time.Now().UTC(),
		Success:          true,
		StatsSummaryJSON: `{"TotalRows":3,"OverallMeanSL":1.5}`,
	}
	require.NoError(t, l.Append(rec))

	got, ok, err := l.ByID("stats1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.StatsSummaryJSON, got.StatsSummaryJSON)
}

func TestRebuildMirrorToleratesMalformedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	jsonlPath := filepath.Join(dir, "run_history.jsonl")

	good := `{"RunID":"ok1","Mode":"full_rebuild","Timestamp":"2026-01-01T00:00:00Z","Success":true}`
	require.NoError(t, os.WriteFile(jsonlPath, []byte(good+"\n{not valid json\n"), 0o644))

	l, err := runhistory.Open(jsonlPath, filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	defer l.Close()

	recent, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ok1", recent[0].RunID)
}

func TestAppendIsAppendOnlyAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	jsonlPath := filepath.Join(dir, "run_history.jsonl")
	sqlitePath := filepath.Join(dir, "mirror.db")

	l1, err := runhistory.Open(jsonlPath, sqlitePath)
	require.NoError(t, err)
	require.NoError(t, l1.Append(domain.RunRecord{RunID: "first", Mode: domain.RunModeFullRebuild, Timestamp: time.Now().UTC(), Success: true}))
	require.NoError(t, l1.Close())

	l2, err := runhistory.Open(jsonlPath, filepath.Join(dir, "mirror2.db"))
	require.NoError(t, err)
	defer l2.Close()

	recent, err := l2.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "first", recent[0].RunID)
}

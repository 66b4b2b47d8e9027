package timetable_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/timetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(stream, t string, allowed bool, reason string) domain.ChosenRow {
	c := domain.ChosenRow{}
	c.Stream = stream
	c.TradeDate = time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	c.Time = t
	c.FinalAllowed = allowed
	c.FilterReasons = reason
	return c
}

func TestBuildAlwaysEmitsTwelveEntries(t *testing.T) {
	dir := t.TempDir()
	b := timetable.New(dir, []string{"ES", "NQ", "RTY", "GC", "CL", "YM"})

	matrix := []domain.ChosenRow{
		row("ES1", "07:30", true, ""),
	}

	require.NoError(t, b.Build(matrix, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))

	data, err := os.ReadFile(filepath.Join(dir, "timetable_current.json"))
	require.NoError(t, err)

	var tt timetable.Timetable
	require.NoError(t, json.Unmarshal(data, &tt))
	require.Len(t, tt.Streams, 12)
	assert.Equal(t, "2026-08-03", tt.TradingDate)
	assert.Equal(t, "America/Chicago", tt.Timezone)
}

func TestBuildMarksAbsentStreamNotInMatrix(t *testing.T) {
	dir := t.TempDir()
	b := timetable.New(dir, []string{"ES", "NQ", "RTY", "GC", "CL", "YM"})

	require.NoError(t, b.Build(nil, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))

	data, err := os.ReadFile(filepath.Join(dir, "timetable_current.json"))
	require.NoError(t, err)
	var tt timetable.Timetable
	require.NoError(t, json.Unmarshal(data, &tt))

	for _, e := range tt.Streams {
		assert.False(t, e.Enabled)
		assert.Equal(t, "not_in_master_matrix", e.BlockReason)
	}
}

func TestBuildSweepsSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "timetable_old.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	b := timetable.New(dir, []string{"ES"})
	require.NoError(t, b.Build(nil, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildKeepsDecisionTimeEqualToSlotTimeOnSwitch(t *testing.T) {
	dir := t.TempDir()
	b := timetable.New(dir, []string{"ES"})

	c := row("ES1", "07:30", true, "")
	c.TimeChange = "08:00"
	require.NoError(t, b.Build([]domain.ChosenRow{c}, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))

	data, err := os.ReadFile(filepath.Join(dir, "timetable_current.json"))
	require.NoError(t, err)
	var tt timetable.Timetable
	require.NoError(t, json.Unmarshal(data, &tt))

	var es1 timetable.StreamEntry
	for _, e := range tt.Streams {
		if e.Stream == "ES1" {
			es1 = e
		}
	}
	assert.Equal(t, "07:30 -> 08:00", es1.SlotTime)
	assert.Equal(t, es1.SlotTime, es1.DecisionTime)
}

func TestBuildDerivesBlockReasonFromFilterTags(t *testing.T) {
	dir := t.TempDir()
	b := timetable.New(dir, []string{"ES"})

	matrix := []domain.ChosenRow{row("ES1", "07:30", false, "day_of_week_excluded")}
	require.NoError(t, b.Build(matrix, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))

	data, err := os.ReadFile(filepath.Join(dir, "timetable_current.json"))
	require.NoError(t, err)
	var tt timetable.Timetable
	require.NoError(t, json.Unmarshal(data, &tt))

	var es1 timetable.StreamEntry
	for _, e := range tt.Streams {
		if e.Stream == "ES1" {
			es1 = e
		}
	}
	assert.Equal(t, "master_matrix_filtered_day_of_week_excluded", es1.BlockReason)
}

package dataloader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtsw/matrixcore/internal/dataloader"
)

type fixtureRow struct {
	Date       time.Time `parquet:"date"`
	Time       string    `parquet:"time"`
	Session    string    `parquet:"session"`
	Instrument string    `parquet:"instrument"`
	Stream     string    `parquet:"stream"`
	Direction  string    `parquet:"direction"`
	Result     string    `parquet:"result"`
	Target     float64   `parquet:"target"`
	Range      float64   `parquet:"range"`
	Peak       float64   `parquet:"peak"`
	Profit     float64   `parquet:"profit"`
	StopLoss   float64   `parquet:"stop_loss,optional"`
	ScfS1      float64   `parquet:"scf_s1,optional"`
	ScfS2      float64   `parquet:"scf_s2,optional"`
	Onr        float64   `parquet:"onr,optional"`
	OnrHigh    float64   `parquet:"onr_high,optional"`
	OnrLow     float64   `parquet:"onr_low,optional"`
}

func writeMonthlyFile(t *testing.T, root, stream string, year int, month int, rows []fixtureRow) {
	t.Helper()
	dir := filepath.Join(root, stream, itoa(year))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, stream+"_an_"+itoa(year)+"_"+pad2(month)+".parquet")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := parquet.NewGenericWriter[fixtureRow](f)
	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func itoa(n int) string {
	return time.Date(n, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006")
}

func pad2(n int) string {
	return time.Date(2000, time.Month(n), 1, 0, 0, 0, 0, time.UTC).Format("01")
}

func TestLoadStreamReadsMonthlyFiles(t *testing.T) {
	root := t.TempDir()
	writeMonthlyFile(t, root, "ES1", 2026, 1, []fixtureRow{
		{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "ES1", Instrument: "ES", Result: "Win", Target: 10, Range: 20, Profit: 5},
		{Date: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), Time: "08:00", Session: "S1", Stream: "ES1", Instrument: "ES", Result: "Loss", Target: 10, Range: 20, Profit: -10},
	})

	l := dataloader.New(dataloader.Config{AnalyzerRunsDir: root, MaxRetries: 1})
	rows, err := l.LoadStream("ES1", dataloader.DateFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Win", rows[0].Result)
	assert.Equal(t, "ES1", rows[0].Stream)
}

func TestLoadStreamAppliesDateFilter(t *testing.T) {
	root := t.TempDir()
	writeMonthlyFile(t, root, "ES1", 2026, 1, []fixtureRow{
		{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "ES1", Result: "Win"},
		{Date: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "ES1", Result: "Win"},
	})

	l := dataloader.New(dataloader.Config{AnalyzerRunsDir: root, MaxRetries: 1})
	rows, err := l.LoadStream("ES1", dataloader.DateFilter{SpecificDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 10, rows[0].TradeDate.Day())
}

func TestLoadStreamMissingDirectoryReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	l := dataloader.New(dataloader.Config{AnalyzerRunsDir: root, MaxRetries: 1})
	rows, err := l.LoadStream("GC1", dataloader.DateFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLoadAllReadsEveryStream(t *testing.T) {
	root := t.TempDir()
	writeMonthlyFile(t, root, "ES1", 2026, 1, []fixtureRow{
		{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "ES1", Result: "Win"},
	})
	writeMonthlyFile(t, root, "NQ1", 2026, 1, []fixtureRow{
		{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "NQ1", Result: "Loss"},
	})

	l := dataloader.New(dataloader.Config{AnalyzerRunsDir: root, MaxRetries: 1})
	all, err := l.LoadAll(context.Background(), []string{"ES1", "NQ1"}, dataloader.DateFilter{})
	require.NoError(t, err)
	assert.Len(t, all["ES1"], 1)
	assert.Len(t, all["NQ1"], 1)
}

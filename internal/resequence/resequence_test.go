package resequence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtsw/matrixcore/internal/checkpoint"
	"github.com/qtsw/matrixcore/internal/dataloader"
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/filemanager"
	"github.com/qtsw/matrixcore/internal/orchestrator"
	"github.com/qtsw/matrixcore/internal/resequence"
	"github.com/qtsw/matrixcore/internal/streamdiscovery"
)

type fixtureRow struct {
	Date    time.Time `parquet:"date"`
	Time    string    `parquet:"time"`
	Session string    `parquet:"session"`
	Stream  string    `parquet:"stream"`
	Result  string    `parquet:"result"`
	Target  float64   `parquet:"target"`
	Range   float64   `parquet:"range"`
	Profit  float64   `parquet:"profit"`
}

func writeMonth(t *testing.T, root, stream string, rows []fixtureRow) {
	t.Helper()
	dir := filepath.Join(root, stream, "2026")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, stream+"_an_2026_01.parquet"))
	require.NoError(t, err)
	defer f.Close()
	w := parquet.NewGenericWriter[fixtureRow](f)
	_, err = w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func buildEngine(t *testing.T, analyzerDir, outDir, checkpointDir string) (*orchestrator.Orchestrator, *resequence.Engine, *checkpoint.Store) {
	t.Helper()
	disc := streamdiscovery.New()
	loader := dataloader.New(dataloader.Config{AnalyzerRunsDir: analyzerDir, MaxRetries: 1})
	cps, err := checkpoint.New(checkpointDir)
	require.NoError(t, err)
	files := filemanager.New(outDir, nil)

	orch := orchestrator.New(orchestrator.Config{
		Discovery:     disc,
		Loader:        loader,
		Checkpoints:   cps,
		Files:         files,
		StreamFilters: map[string]domain.StreamConfig{},
	})

	engine := resequence.New(resequence.Config{
		DiscoverStreams: disc.Streams,
		Loader:          loader,
		Checkpoints:     cps,
		Files:           files,
		Orchestrator:    orch,
	})
	return orch, engine, cps
}

func TestRunResequencesOnlyTheTailWindow(t *testing.T) {
	analyzerDir := t.TempDir()
	outDir := t.TempDir()
	checkpointDir := t.TempDir()

	var rows []fixtureRow
	for d := 1; d <= 10; d++ {
		rows = append(rows, fixtureRow{
			Date: time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1",
			Stream: "ES1", Result: "Win", Target: 10, Range: 20, Profit: 5,
		})
	}
	writeMonth(t, analyzerDir, "ES1", rows)

	orch, engine, _ := buildEngine(t, analyzerDir, outDir, checkpointDir)

	full, err := orch.FullRebuild(context.Background(), analyzerDir)
	require.NoError(t, err)
	require.Len(t, full, 10)

	summary, err := engine.Run(context.Background(), analyzerDir, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.RowsPreserved)
	assert.Equal(t, 4, summary.RowsResequenced)
	assert.NotEmpty(t, summary.CheckpointID)

	rebuilt, err := filemanager.LoadExisting(outDir)
	require.NoError(t, err)
	require.Len(t, rebuilt, 10)
	for i, r := range rebuilt {
		assert.Equal(t, int64(i+1), r.GlobalTradeID)
	}
}

func TestRunFailsWithoutAnyCheckpoint(t *testing.T) {
	analyzerDir := t.TempDir()
	outDir := t.TempDir()
	checkpointDir := t.TempDir()

	writeMonth(t, analyzerDir, "ES1", []fixtureRow{
		{Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Time: "07:30", Session: "S1", Stream: "ES1", Result: "Win", Target: 10, Range: 20, Profit: 5},
	})

	_, engine, _ := buildEngine(t, analyzerDir, outDir, checkpointDir)

	_, err := engine.Run(context.Background(), analyzerDir, 1)
	assert.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

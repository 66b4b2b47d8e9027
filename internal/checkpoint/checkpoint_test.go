package checkpoint_test

import (
	"testing"
	"time"

	"github.com/qtsw/matrixcore/internal/checkpoint"
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(date string, created time.Time) domain.Checkpoint {
	h := &domain.PerSlotHistory{}
	h.Append(1)
	h.Append(-2)
	return domain.Checkpoint{
		CheckpointDate: date,
		CreatedAt:      created,
		Streams: map[string]domain.SequencerState{
			"ES1": {
				CurrentTime:    "08:00",
				CurrentSession: domain.SessionS1,
				Histories:      map[string]*domain.PerSlotHistory{"07:30": h},
			},
		},
	}
}

func TestCreateAndLoadLatestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	cp := sampleCheckpoint("2026-01-02", time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC))
	saved, err := store.Create(cp)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.CheckpointID)

	loaded, ok, err := store.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.CheckpointID, loaded.CheckpointID)
	assert.Equal(t, "2026-01-02", loaded.CheckpointDate)

	es1 := loaded.Streams["ES1"]
	assert.Equal(t, "08:00", es1.CurrentTime)
	assert.Equal(t, []int{1, -2}, es1.Histories["07:30"].Scores())
}

func TestCreateNeverOverwritesPriorCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	first, err := store.Create(sampleCheckpoint("2026-01-01", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	second, err := store.Create(sampleCheckpoint("2026-01-02", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.NotEqual(t, first.CheckpointID, second.CheckpointID)

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, second.CheckpointID, metas[0].CheckpointID) // newest first
}

func TestListAndLoadLatestOrderByCheckpointDateNotCreatedAt(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	// Written out of calendar order: the checkpoint for the later
	// CheckpointDate is created first (e.g. after a restore/backfill).
	later, err := store.Create(sampleCheckpoint("2026-02-01", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	earlier, err := store.Create(sampleCheckpoint("2026-01-01", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, later.CheckpointID, metas[0].CheckpointID)
	assert.Equal(t, earlier.CheckpointID, metas[1].CheckpointID)

	loaded, ok, err := store.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-02-01", loaded.CheckpointDate)
}

func TestMaxProcessedDateAcrossCheckpoints(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	_, err = store.Create(sampleCheckpoint("2026-01-01", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = store.Create(sampleCheckpoint("2026-01-15", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	max, ok, err := store.MaxProcessedDate()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-15", max)
}

func TestMaxProcessedDateEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	_, ok, err := store.MaxProcessedDate()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadLatestEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.New(dir)
	require.NoError(t, err)

	_, ok, err := store.LoadLatest()
	require.NoError(t, err)
	assert.False(t, ok)
}

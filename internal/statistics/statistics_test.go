package statistics_test

import (
	"testing"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/statistics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chosen(stream, result, t string, sl float64) domain.ChosenRow {
	c := domain.ChosenRow{}
	c.Stream = stream
	c.Result = result
	c.Time = t
	c.SL = sl
	return c
}

func TestComputeAggregatesPerStream(t *testing.T) {
	rows := []domain.ChosenRow{
		chosen("ES1", "Win", "07:30", 10),
		chosen("ES1", "Loss", "07:30", 10),
		chosen("ES1", "NoTrade", "08:00", 0),
		chosen("NQ1", "Win", "09:00", 5),
	}

	s := statistics.Compute(rows)
	require.Len(t, s.Streams, 2)
	assert.Equal(t, 4, s.TotalRows)

	es1 := s.Streams[0]
	assert.Equal(t, "ES1", es1.Stream)
	assert.Equal(t, 3, es1.Rows)
	assert.Equal(t, 1, es1.Wins)
	assert.Equal(t, 1, es1.Losses)
	assert.Equal(t, 1, es1.NoTrades)
	assert.InDelta(t, 1.0/3.0, es1.NoTradeRate, 1e-9)
	assert.Equal(t, 1, es1.SlotSwitches) // 07:30 -> 08:00
}

func TestComputeEmptyInput(t *testing.T) {
	s := statistics.Compute(nil)
	assert.Equal(t, 0, s.TotalRows)
	assert.Empty(t, s.Streams)
}

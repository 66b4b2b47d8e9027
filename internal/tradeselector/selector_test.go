package tradeselector_test

import (
	"testing"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/tradeselector"
	"github.com/stretchr/testify/assert"
)

func TestSelectFindsMatch(t *testing.T) {
	rows := []domain.AnalyzerRow{
		{Time: "07:30", Session: domain.SessionS1, Result: "Win"},
		{Time: "08:00", Session: domain.SessionS1, Result: "Loss"},
	}
	got, ok := tradeselector.Select(rows, "8:0", domain.SessionS1)
	assert.True(t, ok)
	assert.Equal(t, "Loss", got.Result)
}

func TestSelectNoMatchReturnsFalse(t *testing.T) {
	rows := []domain.AnalyzerRow{
		{Time: "07:30", Session: domain.SessionS1, Result: "Win"},
	}
	_, ok := tradeselector.Select(rows, "09:00", domain.SessionS1)
	assert.False(t, ok)
}

func TestSelectRequiresMatchingSession(t *testing.T) {
	rows := []domain.AnalyzerRow{
		{Time: "09:30", Session: domain.SessionS1, Result: "Win"}, // mismatched session on purpose
	}
	_, ok := tradeselector.Select(rows, "09:30", domain.SessionS2)
	assert.False(t, ok)
}

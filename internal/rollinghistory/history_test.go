package rollinghistory_test

import (
	"testing"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/rollinghistory"
	"github.com/stretchr/testify/assert"
)

func TestUpdateAndSum(t *testing.T) {
	m := rollinghistory.New([]string{"07:30", "08:00"})
	m.Update("07:30", 1)
	m.Update("07:30", -2)
	m.Update("08:00", 1)

	assert.Equal(t, -1, m.Sum("07:30"))
	assert.Equal(t, 1, m.Sum("08:00"))
	assert.Equal(t, 2, m.Len("07:30"))
}

func TestCapacityEviction(t *testing.T) {
	m := rollinghistory.New([]string{"07:30"})
	for i := 0; i < domain.RollingWindowSize+5; i++ {
		m.Update("07:30", 1)
	}
	assert.Equal(t, domain.RollingWindowSize, m.Len("07:30"))
	assert.Equal(t, domain.RollingWindowSize, m.Sum("07:30"))
}

func TestUniformLengths(t *testing.T) {
	slots := []string{"07:30", "08:00", "09:00"}
	m := rollinghistory.New(slots)
	assert.True(t, m.UniformLengths(slots))

	m.Update("07:30", 1)
	assert.False(t, m.UniformLengths(slots))

	m.Update("08:00", 1)
	m.Update("09:00", 1)
	assert.True(t, m.UniformLengths(slots))
}

func TestRestoreFillsMissingSlots(t *testing.T) {
	snap := map[string]*domain.PerSlotHistory{
		"07:30": func() *domain.PerSlotHistory { h := &domain.PerSlotHistory{}; h.Append(1); return h }(),
	}
	m := rollinghistory.Restore([]string{"07:30", "08:00"}, snap)
	assert.Equal(t, 1, m.Len("07:30"))
	assert.Equal(t, 0, m.Len("08:00"))
}

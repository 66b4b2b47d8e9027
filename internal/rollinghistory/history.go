// Package rollinghistory manages the bounded per-slot FIFO histories a
// sequencer advances once per trading day (C5).
package rollinghistory

import "github.com/qtsw/matrixcore/internal/domain"

// Manager owns one PerSlotHistory per canonical time for a single stream.
type Manager struct {
	histories map[string]*domain.PerSlotHistory
}

// New creates a Manager with empty histories for every slot in slots.
func New(slots []string) *Manager {
	m := &Manager{histories: make(map[string]*domain.PerSlotHistory, len(slots))}
	for _, t := range slots {
		m.histories[t] = &domain.PerSlotHistory{}
	}
	return m
}

// Restore seeds the manager from a previously checkpointed state, filling in
// empty histories for any canonical slot absent from the snapshot.
func Restore(slots []string, snapshot map[string]*domain.PerSlotHistory) *Manager {
	m := &Manager{histories: make(map[string]*domain.PerSlotHistory, len(slots))}
	for _, t := range slots {
		if h, ok := snapshot[t]; ok && h != nil {
			m.histories[t] = h.Clone()
		} else {
			m.histories[t] = &domain.PerSlotHistory{}
		}
	}
	return m
}

// Update appends score to the history for slot t (pure function of the
// history it mutates — used by C7 once per canonical slot per day).
func (m *Manager) Update(t string, score int) {
	h, ok := m.histories[t]
	if !ok {
		h = &domain.PerSlotHistory{}
		m.histories[t] = h
	}
	h.Append(score)
}

// Sum returns the sum of retained scores for slot t.
func (m *Manager) Sum(t string) int {
	if h, ok := m.histories[t]; ok {
		return h.Sum()
	}
	return 0
}

// Len returns the number of retained scores for slot t.
func (m *Manager) Len(t string) int {
	if h, ok := m.histories[t]; ok {
		return h.Len()
	}
	return 0
}

// UniformLengths reports whether every history in slots has equal length —
// the invariant (I5) the sequencer checks after every processed day.
func (m *Manager) UniformLengths(slots []string) bool {
	if len(slots) == 0 {
		return true
	}
	want := m.Len(slots[0])
	for _, t := range slots[1:] {
		if m.Len(t) != want {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy of the manager's histories, suitable for
// embedding in a Checkpoint.
func (m *Manager) Snapshot() map[string]*domain.PerSlotHistory {
	out := make(map[string]*domain.PerSlotHistory, len(m.histories))
	for t, h := range m.histories {
		out[t] = h.Clone()
	}
	return out
}

package domain

import "time"

// AnalyzerRow is one input row produced by the upstream analyzer (and
// delivered through the merger, out of scope per spec §1) for a single
// trading day × time slot × stream.
type AnalyzerRow struct {
	TradeDate  time.Time
	Time       string // HH:MM, analyzer-reported slot time
	Stream     string // e.g. "ES1", "NQ2"
	Instrument string // Stream without the trailing session digit
	Session    Session
	Direction  string // "Long" | "Short" | ""
	Result     string // "Win" | "Loss" | "BE" | "NoTrade" | "Time" | other
	Profit     float64
	Target     float64
	Range      float64
	Peak       float64

	// Optional analyzer-native columns.
	StopLoss float64
	ScfS1    float64
	ScfS2    float64
	Onr      float64
	OnrHigh  float64
	OnrLow   float64
}

// StreamConfig is the per-stream filter and slot configuration (§3.1).
type StreamConfig struct {
	ExcludeDaysOfWeek  map[string]struct{} // full weekday names, case-insensitive
	ExcludeDaysOfMonth map[int]struct{}
	ExcludeTimes       map[string]struct{} // normalized HH:MM
	Critical           bool
}

// SelectableTimes returns canonicalTimes \ ExcludeTimes for the given session,
// normalized and in chronological order.
func (c StreamConfig) SelectableTimes(session Session) []string {
	var out []string
	for _, t := range SlotEnds[session] {
		if _, excluded := c.ExcludeTimes[t]; !excluded {
			out = append(out, t)
		}
	}
	return out
}

// PerSlotHistory is a bounded FIFO of integer scores, capacity
// RollingWindowSize (C5).
type PerSlotHistory struct {
	scores []int
}

// Append adds a score, evicting from the head once capacity is exceeded.
// Pure in the sense that it never reads external state.
func (h *PerSlotHistory) Append(score int) {
	h.scores = append(h.scores, score)
	if len(h.scores) > RollingWindowSize {
		h.scores = h.scores[len(h.scores)-RollingWindowSize:]
	}
}

// Sum returns the sum of all scores currently retained.
func (h *PerSlotHistory) Sum() int {
	total := 0
	for _, s := range h.scores {
		total += s
	}
	return total
}

// Len returns the number of scores currently retained.
func (h *PerSlotHistory) Len() int {
	return len(h.scores)
}

// Scores returns a defensive copy of the retained scores, oldest first.
func (h *PerSlotHistory) Scores() []int {
	out := make([]int, len(h.scores))
	copy(out, h.scores)
	return out
}

// Clone returns an independent copy of the history.
func (h *PerSlotHistory) Clone() *PerSlotHistory {
	return &PerSlotHistory{scores: append([]int(nil), h.scores...)}
}

// SequencerState is the per-stream state the sequencer owns and that gets
// snapshotted into a Checkpoint (§3.1, §4.8).
type SequencerState struct {
	CurrentTime    string
	CurrentSession Session
	Histories      map[string]*PerSlotHistory // canonical time -> history
}

// Clone returns a deep copy, safe to hand to a worker that may mutate it.
func (s SequencerState) Clone() SequencerState {
	out := SequencerState{
		CurrentTime:    s.CurrentTime,
		CurrentSession: s.CurrentSession,
		Histories:      make(map[string]*PerSlotHistory, len(s.Histories)),
	}
	for t, h := range s.Histories {
		out.Histories[t] = h.Clone()
	}
	return out
}

// ChosenRow is the unique row the sequencer emits for a (stream, trading day).
type ChosenRow struct {
	AnalyzerRow

	ActualTradeTime string // the original analyzer Time, preserved
	Time            string // sequencer authority — overwrites AnalyzerRow.Time's role
	TimeChange      string // display-only slot-transition indicator (§4.7.2 step 5)

	SlotPoints  map[string]int // "<slot> Points" per canonical slot of the stream's session
	SlotRolling map[string]int // "<slot> Rolling" per canonical slot of the stream's session

	SL float64  // min(3*Target, Range)
	R  *float64 // Profit/Target, nil on division guard (O3, optional)

	DayOfMonth    int
	DOW           string // abbreviated day of week
	DOWFull       string
	Month         int
	SessionIndex  int
	IsTwoStream   bool
	DOMBlocked    bool
	FilterReasons string
	FinalAllowed  bool

	GlobalTradeID int64 // assigned after the canonical sort (I2)
}

// Checkpoint is a point-in-time serialization of sequencer state across all
// streams, keyed by the last trading date included (§3.1, §6.3).
type Checkpoint struct {
	CheckpointID   string
	CheckpointDate string // YYYY-MM-DD
	CreatedAt      time.Time
	Streams        map[string]SequencerState
}

// CheckpointMeta is the lightweight summary returned by Checkpoint listings.
type CheckpointMeta struct {
	CheckpointID   string
	CheckpointDate string
	CreatedAt      time.Time
}

// RunMode enumerates the kinds of builds that get recorded in the run
// history (§3.1).
type RunMode string

const (
	RunModeFullRebuild       RunMode = "full_rebuild"
	RunModeRollingResequence RunMode = "rolling_resequence"
	RunModePartialRebuild    RunMode = "partial_rebuild"
)

// RunRecord is one append-only entry in the run history (§3.1, §6.4).
type RunRecord struct {
	RunID               string
	Mode                RunMode
	Timestamp           time.Time
	RequestedDays       int
	ReprocessStartDate  string
	MergedDataMaxDate   string
	CheckpointRestoreID string
	RowsRead            int
	RowsWritten         int
	DurationSeconds     float64
	Success             bool
	ErrorMessage        string
	StatsSummaryJSON    string // JSON-encoded statistics.Summary for the rows this run produced
}

package domain

// Session identifies which canonical slot table a stream's trading day belongs to.
type Session string

const (
	SessionS1 Session = "S1"
	SessionS2 Session = "S2"
)

// RollingWindowSize is the fixed capacity of a per-slot rolling history (C5).
const RollingWindowSize = 13

// DOMBlockedDays are the calendar days-of-month on which two-stream instruments
// are blocked by convention, independent of any per-stream configuration.
var DOMBlockedDays = map[int]struct{}{4: {}, 16: {}, 30: {}}

// MatrixReprocessTradingDays is the default rolling-resequence window, in
// unique trading days, unless overridden by configuration.
const MatrixReprocessTradingDays = 35

// SlotEnds is the frozen table of canonical HH:MM slots per session (Chicago
// local times, stored as strings). Never mutated at runtime.
var SlotEnds = map[Session][]string{
	SessionS1: {"07:30", "08:00", "09:00"},
	SessionS2: {"09:30", "10:00", "10:30", "11:00"},
}

// CanonicalSlots returns every canonical slot across both sessions, in the
// fixed order S1 then S2. This set never changes at runtime, so it is safe
// to treat as a schema descriptor rather than something inferred from data.
func CanonicalSlots() []string {
	out := make([]string, 0, len(SlotEnds[SessionS1])+len(SlotEnds[SessionS2]))
	out = append(out, SlotEnds[SessionS1]...)
	out = append(out, SlotEnds[SessionS2]...)
	return out
}

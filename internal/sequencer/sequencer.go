// Package sequencer implements C7, the per-stream state machine that owns
// the Time field and slot transitions. This is the core of the core: it is
// the single authority for which canonical slot is "current" on any given
// trading day, and it must behave identically whether driven sequentially
// or from one of several concurrent workers (§4.7.3).
package sequencer

import (
	"fmt"
	"sort"
	"time"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/rollinghistory"
	"github.com/qtsw/matrixcore/internal/timeutil"
	"github.com/qtsw/matrixcore/internal/tradeselector"
)

// Config configures one stream's sequencer pass.
type Config struct {
	Stream      string
	StreamCfg   domain.StreamConfig
	DisplayYear int // 0 = no filter, emit every processed day
}

// Sequencer drives the daily loop for exactly one stream. It owns no state
// shared with any other stream's Sequencer (§5 isolation).
type Sequencer struct {
	stream          string
	canonicalTimes  []string
	selectableTimes []string
	session         domain.Session
	cfg             domain.StreamConfig
	displayYear     int

	state   domain.SequencerState
	history *rollinghistory.Manager
}

// New constructs a Sequencer, optionally restoring prior state (resequence
// path). session is determined from the first non-empty Session value seen
// in the stream's data; callers that don't know it yet in advance should
// peek the first row before calling New.
func New(cfg Config, session domain.Session, initial *domain.SequencerState) (*Sequencer, error) {
	canonical := domain.SlotEnds[session]
	selectable := cfg.StreamCfg.SelectableTimes(session)
	if len(canonical) == 0 {
		return nil, domain.Fatal("sequencer.New", cfg.Stream, fmt.Errorf("empty canonical slot list for session %s", session))
	}
	if len(selectable) == 0 {
		return nil, domain.Fatal("sequencer.New", cfg.Stream, fmt.Errorf("empty selectableTimes — all canonical slots excluded"))
	}

	s := &Sequencer{
		stream:          cfg.Stream,
		canonicalTimes:  canonical,
		selectableTimes: selectable,
		session:         session,
		cfg:             cfg.StreamCfg,
		displayYear:     cfg.DisplayYear,
	}

	if initial != nil {
		cur := timeutil.Normalize(initial.CurrentTime)
		if !contains(selectable, cur) {
			cur = selectable[0]
		}
		s.state = domain.SequencerState{
			CurrentTime:    cur,
			CurrentSession: timeutil.SessionOf(cur),
		}
		s.history = rollinghistory.Restore(canonical, initial.Histories)
	} else {
		s.state = domain.SequencerState{
			CurrentTime:    selectable[0],
			CurrentSession: session,
		}
		s.history = rollinghistory.New(canonical)
	}

	return s, nil
}

// DetermineSession returns the session of the first row with a non-empty
// Session value, defaulting to S1 when rows is empty or every row's Session
// is unset.
func DetermineSession(rows []domain.AnalyzerRow) domain.Session {
	for _, r := range rows {
		if r.Session != "" {
			return r.Session
		}
	}
	return domain.SessionS1
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// State returns a deep copy of the current sequencer state, suitable for
// checkpointing.
func (s *Sequencer) State() domain.SequencerState {
	return domain.SequencerState{
		CurrentTime:    s.state.CurrentTime,
		CurrentSession: s.state.CurrentSession,
		Histories:      s.history.Snapshot(),
	}
}

// SelectableTimes returns the sequencer's selectable slot list (I4 checks
// against this set).
func (s *Sequencer) SelectableTimes() []string {
	out := make([]string, len(s.selectableTimes))
	copy(out, s.selectableTimes)
	return out
}

// dayRows groups a stream's rows by trading day, keyed by the UTC-midnight
// truncation of TradeDate.
func dayRows(rows []domain.AnalyzerRow) (map[time.Time][]domain.AnalyzerRow, []time.Time) {
	byDay := make(map[time.Time][]domain.AnalyzerRow)
	for _, r := range rows {
		d := truncateDay(r.TradeDate)
		byDay[d] = append(byDay[d], r)
	}
	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return byDay, days
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Process runs the daily loop (§4.7.2) over rows, which must all belong to
// this sequencer's stream. Returns one ChosenRow per trading day present in
// rows (subject to the display-year filter), in ascending date order.
func (s *Sequencer) Process(rows []domain.AnalyzerRow) ([]domain.ChosenRow, error) {
	byDay, days := dayRows(rows)

	out := make([]domain.ChosenRow, 0, len(days))
	var prevDayTime *string

	for _, day := range days {
		todayTime := s.state.CurrentTime
		todaySession := s.state.CurrentSession

		rowsToday := byDay[day]
		byTime := make(map[string]domain.AnalyzerRow, len(rowsToday))
		for _, r := range rowsToday {
			byTime[timeutil.Normalize(r.Time)] = r
		}

		// Step 1: score every canonical slot and advance its history.
		scores := make(map[string]int, len(s.canonicalTimes))
		for _, t := range s.canonicalTimes {
			result := "NoTrade"
			if r, ok := byTime[t]; ok {
				result = r.Result
			}
			score := timeutil.ScoreOf(result)
			scores[t] = score
			s.history.Update(t, score)
		}
		if !s.history.UniformLengths(s.canonicalTimes) {
			return nil, domain.Fatal("sequencer.Process", s.stream,
				fmt.Errorf("history-length mismatch for %s on %s", s.stream, day.Format("2006-01-02")))
		}

		// Step 2: decide a slot switch — only on a loss at today's slot.
		var next *string
		if result, ok := byTime[todayTime]; ok && result.Result == "Loss" {
			currentSum := s.history.Sum(todayTime)
			bestSum := 0
			var bestTime string
			found := false
			for _, t := range s.selectableTimes {
				if t == todayTime {
					continue
				}
				sum := s.history.Sum(t)
				if !found || sum > bestSum {
					found = true
					bestSum = sum
					bestTime = t
				}
			}
			if found && bestSum > currentSum {
				cand := bestTime
				next = &cand
			}
		}

		// Step 3: select the execution row for today's slot.
		filteredToday := excludeConfiguredTimes(rowsToday, s.cfg.ExcludeTimes)
		chosen := domain.ChosenRow{}
		if row, ok := tradeselector.Select(filteredToday, todayTime, todaySession); ok {
			chosen.AnalyzerRow = row
			chosen.ActualTradeTime = row.Time
			chosen.Time = todayTime
		} else {
			chosen.AnalyzerRow = domain.AnalyzerRow{
				TradeDate:  day,
				Stream:     s.stream,
				Instrument: instrumentOf(s.stream),
				Session:    todaySession,
				Result:     "NoTrade",
			}
			chosen.ActualTradeTime = ""
			chosen.Time = todayTime
		}

		// Step 4: decorate with per-slot rolling/points and SL.
		chosen.SlotPoints = make(map[string]int, len(s.canonicalTimes))
		chosen.SlotRolling = make(map[string]int, len(s.canonicalTimes))
		for _, t := range s.canonicalTimes {
			chosen.SlotPoints[t] = scores[t]
			chosen.SlotRolling[t] = s.history.Sum(t)
		}
		chosen.SL = slDriven(chosen.Target, chosen.Range)
		if chosen.Target != 0 {
			r := chosen.Profit / chosen.Target
			chosen.R = &r
		}

		// Step 5: Time Change display field.
		switch {
		case prevDayTime != nil && *prevDayTime != todayTime:
			chosen.TimeChange = todayTime
		case next != nil:
			chosen.TimeChange = *next
		default:
			chosen.TimeChange = ""
		}

		if s.displayYear == 0 || day.Year() == s.displayYear {
			out = append(out, chosen)
		}

		// Step 6: mutate currentTime exactly once, remember prev.
		prevDayTime = &todayTime
		if next != nil {
			s.state.CurrentTime = *next
			s.state.CurrentSession = timeutil.SessionOf(*next)
		}
	}

	return out, nil
}

// TraceDay is one day's worth of diagnostic detail from Trace — the
// day-by-day per-slot scores, rolling sums, and switch decision that
// -validate mode prints for a single stream.
type TraceDay struct {
	Date           string
	CurrentTimeIn  string // slot in effect when the day began
	Scores         map[string]int
	RollingSums    map[string]int
	SwitchDecided  bool
	SwitchTarget   string
	CurrentTimeOut string // slot in effect after this day's mutation
	Chosen         domain.ChosenRow
}

// Trace reruns the daily loop exactly like Process but additionally records,
// for every day, the score and rolling-sum snapshot and the switch decision
// that produced it. It is read-only diagnostic tooling for the -validate
// flag; it never replaces Process on the write path.
func (s *Sequencer) Trace(rows []domain.AnalyzerRow) ([]TraceDay, error) {
	byDay, days := dayRows(rows)
	out := make([]TraceDay, 0, len(days))
	var prevDayTime *string

	for _, day := range days {
		todayTime := s.state.CurrentTime
		todaySession := s.state.CurrentSession

		rowsToday := byDay[day]
		byTime := make(map[string]domain.AnalyzerRow, len(rowsToday))
		for _, r := range rowsToday {
			byTime[timeutil.Normalize(r.Time)] = r
		}

		scores := make(map[string]int, len(s.canonicalTimes))
		for _, t := range s.canonicalTimes {
			result := "NoTrade"
			if r, ok := byTime[t]; ok {
				result = r.Result
			}
			score := timeutil.ScoreOf(result)
			scores[t] = score
			s.history.Update(t, score)
		}
		if !s.history.UniformLengths(s.canonicalTimes) {
			return nil, domain.Fatal("sequencer.Trace", s.stream,
				fmt.Errorf("history-length mismatch for %s on %s", s.stream, day.Format("2006-01-02")))
		}

		var next *string
		if result, ok := byTime[todayTime]; ok && result.Result == "Loss" {
			currentSum := s.history.Sum(todayTime)
			bestSum := 0
			var bestTime string
			found := false
			for _, t := range s.selectableTimes {
				if t == todayTime {
					continue
				}
				sum := s.history.Sum(t)
				if !found || sum > bestSum {
					found = true
					bestSum = sum
					bestTime = t
				}
			}
			if found && bestSum > currentSum {
				cand := bestTime
				next = &cand
			}
		}

		filteredToday := excludeConfiguredTimes(rowsToday, s.cfg.ExcludeTimes)
		chosen := domain.ChosenRow{}
		if row, ok := tradeselector.Select(filteredToday, todayTime, todaySession); ok {
			chosen.AnalyzerRow = row
			chosen.ActualTradeTime = row.Time
			chosen.Time = todayTime
		} else {
			chosen.AnalyzerRow = domain.AnalyzerRow{
				TradeDate: day, Stream: s.stream, Instrument: instrumentOf(s.stream),
				Session: todaySession, Result: "NoTrade",
			}
			chosen.Time = todayTime
		}

		rollSnapshot := make(map[string]int, len(s.canonicalTimes))
		for _, t := range s.canonicalTimes {
			rollSnapshot[t] = s.history.Sum(t)
		}

		td := TraceDay{
			Date:          day.Format("2006-01-02"),
			CurrentTimeIn: todayTime,
			Scores:        scores,
			RollingSums:   rollSnapshot,
			SwitchDecided: next != nil,
			Chosen:        chosen,
		}
		if next != nil {
			td.SwitchTarget = *next
		}

		switch {
		case prevDayTime != nil && *prevDayTime != todayTime:
			chosen.TimeChange = todayTime
		case next != nil:
			chosen.TimeChange = *next
		}
		td.Chosen = chosen

		prevDayTime = &todayTime
		if next != nil {
			s.state.CurrentTime = *next
			s.state.CurrentSession = timeutil.SessionOf(*next)
		}
		td.CurrentTimeOut = s.state.CurrentTime

		out = append(out, td)
	}

	return out, nil
}

func excludeConfiguredTimes(rows []domain.AnalyzerRow, excludeTimes map[string]struct{}) []domain.AnalyzerRow {
	if len(excludeTimes) == 0 {
		return rows
	}
	out := make([]domain.AnalyzerRow, 0, len(rows))
	for _, r := range rows {
		if _, excluded := excludeTimes[timeutil.Normalize(r.Time)]; excluded {
			continue
		}
		out = append(out, r)
	}
	return out
}

func slDriven(target, rng float64) float64 {
	capped := 3 * target
	if rng < capped {
		return rng
	}
	return capped
}

func instrumentOf(stream string) string {
	if len(stream) == 0 {
		return stream
	}
	return stream[:len(stream)-1]
}

// Package filterengine computes the derived filter fields (§4.4) that drive
// a ChosenRow's selection behavior without ever removing rows or touching
// rolling histories.
package filterengine

import (
	"log/slog"
	"strings"
	"time"

	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/timeutil"
)

var dowAbbrev = map[time.Weekday]string{
	time.Sunday: "Sun", time.Monday: "Mon", time.Tuesday: "Tue", time.Wednesday: "Wed",
	time.Thursday: "Thu", time.Friday: "Fri", time.Saturday: "Sat",
}

// Decoration is the set of derived fields §4.4 attaches to a row.
type Decoration struct {
	DayOfMonth    int
	DOW           string
	DOWFull       string
	Month         int
	SessionIndex  int
	IsTwoStream   bool
	DOMBlocked    bool
	FilterReasons string
	FinalAllowed  bool
}

// Apply evaluates the layered exclusion rules for one row against a
// stream's StreamConfig. actualTradeTime is preferred for the slot-time
// exclusion check; fallbackTime (the row's Time field) is used only when
// actualTradeTime is empty, and a warning reason is recorded in that case
// since it indicates missing sequencer metadata. Each rule is layered:
// once FinalAllowed goes false, later rules still append their reasons.
func Apply(cfg domain.StreamConfig, stream string, tradeDate time.Time, session domain.Session, actualTradeTime, fallbackTime string) Decoration {
	dec := Decoration{
		DayOfMonth:   tradeDate.Day(),
		DOW:          dowAbbrev[tradeDate.Weekday()],
		DOWFull:      tradeDate.Weekday().String(),
		Month:        int(tradeDate.Month()),
		SessionIndex: sessionIndex(session),
		IsTwoStream:  strings.HasSuffix(stream, "2"),
	}
	if dec.IsTwoStream {
		_, dec.DOMBlocked = domain.DOMBlockedDays[dec.DayOfMonth]
	}

	var reasons []string
	allowed := true

	// 1. Day-of-week exclusion (full name, case-insensitive).
	if _, excluded := cfg.ExcludeDaysOfWeek[strings.ToLower(dec.DOWFull)]; excluded {
		allowed = false
		reasons = append(reasons, "day_of_week_excluded")
	}

	// 2. Day-of-month exclusion.
	if _, excluded := cfg.ExcludeDaysOfMonth[dec.DayOfMonth]; excluded {
		allowed = false
		reasons = append(reasons, "day_of_month_excluded")
	}

	// 3. Slot-time exclusion — prefer actual_trade_time, fall back to Time.
	checkTime := actualTradeTime
	usedFallback := false
	if checkTime == "" {
		checkTime = fallbackTime
		usedFallback = true
	}
	if checkTime != "" {
		norm := timeutil.Normalize(checkTime)
		if _, excluded := cfg.ExcludeTimes[norm]; excluded {
			allowed = false
			reasons = append(reasons, "slot_time_excluded")
		}
		if usedFallback {
			reasons = append(reasons, "fallback_to_time_field")
			slog.Warn("filterengine: actual_trade_time missing, falling back to Time field",
				"stream", stream, "trade_date", tradeDate.Format("2006-01-02"), "time", checkTime)
		}
	}

	dec.FinalAllowed = allowed
	dec.FilterReasons = strings.Join(reasons, ",")
	return dec
}

func sessionIndex(session domain.Session) int {
	if session == domain.SessionS2 {
		return 1
	}
	return 0
}

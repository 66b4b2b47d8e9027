// Package tradeselector implements the pure lookup C7 uses to find the
// execution row for the sequencer's current slot (C6). It never infers,
// switches, or hides rows.
package tradeselector

import (
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/timeutil"
)

// Select returns the unique row in rows whose normalized Time equals
// currentTime and whose Session equals currentSession. Rows already
// filtered to exclude excludeTimes are expected from the caller — this is
// a final lookup, not a filter stage. Returns ok=false (never infers a
// fallback) when no such row exists.
func Select(rows []domain.AnalyzerRow, currentTime string, currentSession domain.Session) (domain.AnalyzerRow, bool) {
	normCurrent := timeutil.Normalize(currentTime)
	for _, r := range rows {
		if r.Session != currentSession {
			continue
		}
		if timeutil.Normalize(r.Time) != normCurrent {
			continue
		}
		return r, true
	}
	return domain.AnalyzerRow{}, false
}

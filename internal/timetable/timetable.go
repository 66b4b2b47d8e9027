// Package timetable implements C12: deriving the next trading day's
// execution contract from the latest Master Matrix slice, and writing it
// atomically as JSON (§4.12, §6.5).
package timetable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qtsw/matrixcore/internal/domain"
)

// StreamEntry is one of the timetable's 12 mandatory stream descriptors.
type StreamEntry struct {
	Stream       string `json:"stream"`
	Instrument   string `json:"instrument"`
	Session      string `json:"session"`
	SlotTime     string `json:"slot_time"`
	DecisionTime string `json:"decision_time"`
	Enabled      bool   `json:"enabled"`
	BlockReason  string `json:"block_reason,omitempty"`
}

// Timetable is the document written to timetable_current.json.
type Timetable struct {
	AsOf        string        `json:"as_of"`
	TradingDate string        `json:"trading_date"`
	Timezone    string        `json:"timezone"`
	Source      string        `json:"source"`
	Streams     []StreamEntry `json:"streams"`
}

// Builder derives and persists the execution timetable for a fixed
// universe of instruments — the "complete execution contract" with one
// entry per instrument and session, present or not in the matrix: two
// entries per instrument, 12 for the default six-instrument universe.
type Builder struct {
	dir         string
	instruments []string
}

// New constructs a Builder writing into dir for the given instrument
// universe (each paired with session 1 and session 2 to form its
// canonical streams).
func New(dir string, instruments []string) *Builder {
	return &Builder{dir: dir, instruments: instruments}
}

// Build derives the timetable for tradingDate from matrix (already
// canonically sorted) and writes it atomically, sweeping sibling files.
func (b *Builder) Build(matrix []domain.ChosenRow, tradingDate time.Time) error {
	byStreamDate := make(map[string]domain.ChosenRow, len(matrix))
	for _, r := range matrix {
		if sameDay(r.TradeDate, tradingDate) {
			byStreamDate[r.Stream] = r
		}
	}

	tt := Timetable{
		AsOf:        time.Now().In(chicagoOrUTC()).Format(time.RFC3339),
		TradingDate: tradingDate.Format("2006-01-02"),
		Timezone:    "America/Chicago",
		Source:      "master_matrix",
	}

	for _, instrument := range b.instruments {
		for _, session := range []string{"1", "2"} {
			stream := instrument + session
			entry := StreamEntry{Stream: stream, Instrument: instrument, Session: "S" + session}

			row, ok := byStreamDate[stream]
			if !ok {
				entry.Enabled = false
				entry.BlockReason = "not_in_master_matrix"
				tt.Streams = append(tt.Streams, entry)
				continue
			}

			entry.SlotTime = slotTimeFor(row)
			entry.DecisionTime = entry.SlotTime
			entry.Enabled = row.FinalAllowed
			if !row.FinalAllowed {
				entry.BlockReason = blockReasonFor(row)
			}
			tt.Streams = append(tt.Streams, entry)
		}
	}

	return b.write(tt)
}

func slotTimeFor(row domain.ChosenRow) string {
	if row.TimeChange != "" {
		return fmt.Sprintf("%s -> %s", row.Time, row.TimeChange)
	}
	return row.Time
}

func blockReasonFor(row domain.ChosenRow) string {
	if row.FilterReasons != "" {
		return "master_matrix_filtered_" + strings.ReplaceAll(row.FilterReasons, ",", "_")
	}
	return "filtered"
}

func (b *Builder) write(tt Timetable) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return domain.Recoverable("timetable.write", "", fmt.Errorf("create dir %s: %w", b.dir, err))
	}

	data, err := json.MarshalIndent(tt, "", "  ")
	if err != nil {
		return domain.Recoverable("timetable.write", "", fmt.Errorf("marshal: %w", err))
	}

	final := filepath.Join(b.dir, "timetable_current.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.Recoverable("timetable.write", "", fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmp, final); err != nil {
		return domain.Recoverable("timetable.write", "", fmt.Errorf("rename: %w", err))
	}

	return b.sweep(final)
}

// sweep removes every file in the timetable directory except the current
// timetable (§3.4: older timetable files are swept on every save).
func (b *Builder) sweep(keep string) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		path := filepath.Join(b.dir, e.Name())
		if path == keep || e.IsDir() {
			continue
		}
		os.Remove(path)
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func chicagoOrUTC() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.UTC
	}
	return loc
}

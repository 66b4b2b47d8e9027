// Package filemanager implements C13: atomic persistence of the Master
// Matrix in both columnar (parquet) and JSON form, and the trigger of a
// timetable rebuild as a side effect of every successful save (§4.13).
package filemanager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/qtsw/matrixcore/internal/domain"
)

// flatRow is the static, schema-descriptor shape of a ChosenRow once the
// per-slot maps are flattened onto the fixed 7-slot union (3 S1 slots + 4
// S2 slots) — never invented from data, per the design note on dynamic
// per-slot columns.
type flatRow struct {
	TradeDate       time.Time `parquet:"trade_date"`
	Time            string    `parquet:"time"`
	Stream          string    `parquet:"stream"`
	Instrument      string    `parquet:"instrument"`
	Session         string    `parquet:"session"`
	Direction       string    `parquet:"direction"`
	Result          string    `parquet:"result"`
	Profit          float64   `parquet:"profit"`
	Target          float64   `parquet:"target"`
	Range           float64   `parquet:"range"`
	Peak            float64   `parquet:"peak"`
	ActualTradeTime string    `parquet:"actual_trade_time"`
	TimeChange      string    `parquet:"time_change"`
	SL              float64   `parquet:"sl"`
	R               float64   `parquet:"r,optional"`
	HasR            bool      `parquet:"has_r"`

	Slot0730Points  int `parquet:"slot_0730_points"`
	Slot0730Rolling int `parquet:"slot_0730_rolling"`
	Slot0800Points  int `parquet:"slot_0800_points"`
	Slot0800Rolling int `parquet:"slot_0800_rolling"`
	Slot0900Points  int `parquet:"slot_0900_points"`
	Slot0900Rolling int `parquet:"slot_0900_rolling"`
	Slot0930Points  int `parquet:"slot_0930_points"`
	Slot0930Rolling int `parquet:"slot_0930_rolling"`
	Slot1000Points  int `parquet:"slot_1000_points"`
	Slot1000Rolling int `parquet:"slot_1000_rolling"`
	Slot1030Points  int `parquet:"slot_1030_points"`
	Slot1030Rolling int `parquet:"slot_1030_rolling"`
	Slot1100Points  int `parquet:"slot_1100_points"`
	Slot1100Rolling int `parquet:"slot_1100_rolling"`

	DayOfMonth    int    `parquet:"day_of_month"`
	DOW           string `parquet:"dow"`
	DOWFull       string `parquet:"dow_full"`
	Month         int    `parquet:"month"`
	SessionIndex  int    `parquet:"session_index"`
	IsTwoStream   bool   `parquet:"is_two_stream"`
	DOMBlocked    bool   `parquet:"dom_blocked"`
	FilterReasons string `parquet:"filter_reasons"`
	FinalAllowed  bool   `parquet:"final_allowed"`
	GlobalTradeID int64  `parquet:"global_trade_id"`
}

var slotFieldKeys = []string{"07:30", "08:00", "09:00", "09:30", "10:00", "10:30", "11:00"}

func toFlatRow(r domain.ChosenRow) flatRow {
	fr := flatRow{
		TradeDate:       r.TradeDate,
		Time:            r.Time,
		Stream:          r.Stream,
		Instrument:      r.Instrument,
		Session:         string(r.Session),
		Direction:       r.Direction,
		Result:          r.Result,
		Profit:          r.Profit,
		Target:          r.Target,
		Range:           r.Range,
		Peak:            r.Peak,
		ActualTradeTime: r.ActualTradeTime,
		TimeChange:      r.TimeChange,
		SL:              r.SL,
		DayOfMonth:      r.DayOfMonth,
		DOW:             r.DOW,
		DOWFull:         r.DOWFull,
		Month:           r.Month,
		SessionIndex:    r.SessionIndex,
		IsTwoStream:     r.IsTwoStream,
		DOMBlocked:      r.DOMBlocked,
		FilterReasons:   r.FilterReasons,
		FinalAllowed:    r.FinalAllowed,
		GlobalTradeID:   r.GlobalTradeID,
	}
	if r.R != nil {
		fr.R = *r.R
		fr.HasR = true
	}

	setSlot(&fr, "07:30", r.SlotPoints["07:30"], r.SlotRolling["07:30"])
	setSlot(&fr, "08:00", r.SlotPoints["08:00"], r.SlotRolling["08:00"])
	setSlot(&fr, "09:00", r.SlotPoints["09:00"], r.SlotRolling["09:00"])
	setSlot(&fr, "09:30", r.SlotPoints["09:30"], r.SlotRolling["09:30"])
	setSlot(&fr, "10:00", r.SlotPoints["10:00"], r.SlotRolling["10:00"])
	setSlot(&fr, "10:30", r.SlotPoints["10:30"], r.SlotRolling["10:30"])
	setSlot(&fr, "11:00", r.SlotPoints["11:00"], r.SlotRolling["11:00"])
	return fr
}

func setSlot(fr *flatRow, slot string, points, rolling int) {
	switch slot {
	case "07:30":
		fr.Slot0730Points, fr.Slot0730Rolling = points, rolling
	case "08:00":
		fr.Slot0800Points, fr.Slot0800Rolling = points, rolling
	case "09:00":
		fr.Slot0900Points, fr.Slot0900Rolling = points, rolling
	case "09:30":
		fr.Slot0930Points, fr.Slot0930Rolling = points, rolling
	case "10:00":
		fr.Slot1000Points, fr.Slot1000Rolling = points, rolling
	case "10:30":
		fr.Slot1030Points, fr.Slot1030Rolling = points, rolling
	case "11:00":
		fr.Slot1100Points, fr.Slot1100Rolling = points, rolling
	}
}

func fromFlatRow(fr flatRow) domain.ChosenRow {
	r := domain.ChosenRow{
		AnalyzerRow: domain.AnalyzerRow{
			TradeDate:  fr.TradeDate,
			Time:       fr.Time,
			Stream:     fr.Stream,
			Instrument: fr.Instrument,
			Session:    domain.Session(fr.Session),
			Direction:  fr.Direction,
			Result:     fr.Result,
			Profit:     fr.Profit,
			Target:     fr.Target,
			Range:      fr.Range,
			Peak:       fr.Peak,
		},
		ActualTradeTime: fr.ActualTradeTime,
		TimeChange:      fr.TimeChange,
		SL:              fr.SL,
		DayOfMonth:      fr.DayOfMonth,
		DOW:             fr.DOW,
		DOWFull:         fr.DOWFull,
		Month:           fr.Month,
		SessionIndex:    fr.SessionIndex,
		IsTwoStream:     fr.IsTwoStream,
		DOMBlocked:      fr.DOMBlocked,
		FilterReasons:   fr.FilterReasons,
		FinalAllowed:    fr.FinalAllowed,
		GlobalTradeID:   fr.GlobalTradeID,
	}
	if fr.HasR {
		v := fr.R
		r.R = &v
	}
	r.SlotPoints = map[string]int{
		"07:30": fr.Slot0730Points, "08:00": fr.Slot0800Points, "09:00": fr.Slot0900Points,
		"09:30": fr.Slot0930Points, "10:00": fr.Slot1000Points, "10:30": fr.Slot1030Points, "11:00": fr.Slot1100Points,
	}
	r.SlotRolling = map[string]int{
		"07:30": fr.Slot0730Rolling, "08:00": fr.Slot0800Rolling, "09:00": fr.Slot0900Rolling,
		"09:30": fr.Slot0930Rolling, "10:00": fr.Slot1000Rolling, "10:30": fr.Slot1030Rolling, "11:00": fr.Slot1100Rolling,
	}
	return r
}

// TimetableBuilder is the subset of timetable.Builder that Manager needs,
// kept as an interface so tests can stub it without touching the
// filesystem.
type TimetableBuilder interface {
	Build(matrix []domain.ChosenRow, tradingDate time.Time) error
}

// Manager owns the Master Matrix's on-disk representation.
type Manager struct {
	outDir    string
	timetable TimetableBuilder
}

// New constructs a Manager writing into outDir. timetable may be nil, in
// which case Save skips the timetable trigger (used by tests that only
// exercise persistence).
func New(outDir string, timetable TimetableBuilder) *Manager {
	return &Manager{outDir: outDir, timetable: timetable}
}

// OutDir returns the directory the Manager persists into.
func (m *Manager) OutDir() string {
	return m.outDir
}

// Save atomically writes matrix as both a parquet file and a JSON twin,
// then triggers a timetable rebuild for specificDate, or for the matrix's
// latest trade_date when specificDate is zero. specificDate, if non-zero,
// names the file master_matrix_today_<YYYYMMDD> instead of a timestamp-named one.
// A timetable failure is logged but never fails the save (§4.13).
func (m *Manager) Save(matrix []domain.ChosenRow, specificDate time.Time) error {
	if err := os.MkdirAll(m.outDir, 0o755); err != nil {
		return domain.Fatal("filemanager.Save", "", fmt.Errorf("create output dir %s: %w", m.outDir, err))
	}

	base := baseName(specificDate)
	if err := m.writeParquet(matrix, base+".parquet"); err != nil {
		return err
	}
	if err := m.writeJSON(matrix, base+".json"); err != nil {
		return err
	}

	if m.timetable != nil {
		target := specificDate
		if target.IsZero() {
			for _, r := range matrix {
				if r.TradeDate.After(target) {
					target = r.TradeDate
				}
			}
		}
		if err := m.timetable.Build(matrix, target); err != nil {
			slog.Warn("filemanager: timetable rebuild failed, matrix save stands", "error", err)
		}
	}

	return nil
}

func baseName(specificDate time.Time) string {
	if !specificDate.IsZero() {
		return "master_matrix_today_" + specificDate.Format("20060102")
	}
	return "master_matrix_" + time.Now().UTC().Format("20060102_150405")
}

func (m *Manager) writeParquet(matrix []domain.ChosenRow, name string) error {
	path := filepath.Join(m.outDir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return domain.Fatal("filemanager.writeParquet", "", fmt.Errorf("create temp: %w", err))
	}

	flat := make([]flatRow, len(matrix))
	for i, r := range matrix {
		flat[i] = toFlatRow(r)
	}

	w := parquet.NewGenericWriter[flatRow](f, parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}))
	if _, err := w.Write(flat); err != nil {
		f.Close()
		return domain.Fatal("filemanager.writeParquet", "", fmt.Errorf("write rows: %w", err))
	}
	if err := w.Close(); err != nil {
		f.Close()
		return domain.Fatal("filemanager.writeParquet", "", fmt.Errorf("close writer: %w", err))
	}
	if err := f.Close(); err != nil {
		return domain.Fatal("filemanager.writeParquet", "", fmt.Errorf("close file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.Fatal("filemanager.writeParquet", "", fmt.Errorf("rename: %w", err))
	}
	return nil
}

func (m *Manager) writeJSON(matrix []domain.ChosenRow, name string) error {
	path := filepath.Join(m.outDir, name)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return domain.Fatal("filemanager.writeJSON", "", fmt.Errorf("marshal: %w", err))
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.Fatal("filemanager.writeJSON", "", fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.Fatal("filemanager.writeJSON", "", fmt.Errorf("rename: %w", err))
	}
	return nil
}

// LoadExisting returns the first parquet matrix in outDir by reverse
// lexicographic filename sort, or an empty slice if none exists. Within
// one naming scheme this is the most recent file; when both schemes are
// present, every master_matrix_today_* file sorts ahead of every
// timestamp-named file, whatever their dates.
func LoadExisting(outDir string) ([]domain.ChosenRow, error) {
	entries, err := os.ReadDir(outDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Recoverable("filemanager.LoadExisting", "", fmt.Errorf("read dir %s: %w", outDir, err))
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && filepath.Ext(n) == ".parquet" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	f, err := os.Open(filepath.Join(outDir, names[0]))
	if err != nil {
		return nil, domain.Fatal("filemanager.LoadExisting", "", fmt.Errorf("open %s: %w", names[0], err))
	}
	defer f.Close()

	reader := parquet.NewGenericReader[flatRow](f)
	defer reader.Close()

	buf := make([]flatRow, 512)
	var out []domain.ChosenRow
	for {
		n, err := reader.Read(buf)
		for _, fr := range buf[:n] {
			out = append(out, fromFlatRow(fr))
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

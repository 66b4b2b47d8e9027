// Package resequence implements C11, the rolling resequence engine: it
// reconstructs only the tail window of the Master Matrix by restoring
// sequencer state from a checkpoint and replaying the sequencer forward,
// instead of reprocessing full history (§4.11).
package resequence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/qtsw/matrixcore/internal/checkpoint"
	"github.com/qtsw/matrixcore/internal/dataloader"
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/filemanager"
	"github.com/qtsw/matrixcore/internal/orchestrator"
)

// DefaultWindowDays is MATRIX_REPROCESS_TRADING_DAYS — the default number
// of unique trading days the tail window reaches back from the latest
// trading day (the window itself spans that many days plus the latest one).
const DefaultWindowDays = 35

// Summary reports what a rolling resequence run did, for inclusion in the
// run history (§3.1).
type Summary struct {
	RowsPreserved   int
	RowsResequenced int
	WindowStart     string
	CheckpointID    string
	Duration        time.Duration
	Rows            []domain.ChosenRow // the full rebuilt matrix, for statistics.Compute
}

// Engine drives rolling resequence runs.
type Engine struct {
	discoveryStreams func(analyzerRunsDir string) []string
	loader           *dataloader.Loader
	checkpoints      *checkpoint.Store
	files            *filemanager.Manager
	orch             *orchestrator.Orchestrator
}

// Config wires an Engine to its collaborators. DiscoverStreams is a
// function rather than a concrete type so tests can stub stream discovery
// without touching a filesystem.
type Config struct {
	DiscoverStreams func(analyzerRunsDir string) []string
	Loader          *dataloader.Loader
	Checkpoints     *checkpoint.Store
	Files           *filemanager.Manager
	Orchestrator    *orchestrator.Orchestrator
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		discoveryStreams: cfg.DiscoverStreams,
		loader:           cfg.Loader,
		checkpoints:      cfg.Checkpoints,
		files:            cfg.Files,
		orch:             cfg.Orchestrator,
	}
}

// Run executes a rolling resequence over the tail window that starts
// windowDays unique trading days before the latest analyzer date and runs
// through it, windowDays+1 trading days in all (0 uses DefaultWindowDays),
// per the operation in §4.11.
func (e *Engine) Run(ctx context.Context, analyzerRunsDir string, windowDays int) (Summary, error) {
	start := time.Now()
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	streams := e.discoveryStreams(analyzerRunsDir)
	if len(streams) == 0 {
		return Summary{}, domain.Fatal("resequence.Run", "", fmt.Errorf("no streams discovered under %s", analyzerRunsDir))
	}

	// Step 1-2: load all analyzer data, find the latest trade_date across
	// every stream.
	data, err := e.loader.LoadAll(ctx, streams, dataloader.DateFilter{})
	if err != nil {
		return Summary{}, err
	}
	latestAnalyzerDate, uniqueDays := latestDateAndUniqueDays(data)
	if latestAnalyzerDate.IsZero() {
		return Summary{}, domain.Fatal("resequence.Run", "", fmt.Errorf("no analyzer rows found under %s", analyzerRunsDir))
	}

	// Step 3: resequenceStartDate is windowDays unique trading days back
	// from latestAnalyzerDate, using the presence-based calendar of the
	// merged data — never calendar-day arithmetic.
	resequenceStartDate, err := nthTradingDayBack(uniqueDays, latestAnalyzerDate, windowDays)
	if err != nil {
		return Summary{}, domain.Fatal("resequence.Run", "", fmt.Errorf("insufficient trading-day history for a %d-day window: %w", windowDays, err))
	}

	// Step 4: load existing matrix, partition head/tail.
	existing, err := filemanager.LoadExisting(e.files.OutDir())
	if err != nil {
		return Summary{}, err
	}
	var head []domain.ChosenRow
	for _, r := range existing {
		if r.TradeDate.Before(resequenceStartDate) {
			head = append(head, r)
		}
	}

	// Step 5: load a checkpoint strictly before the window (O1: pick the
	// newest checkpoint dated <= resequenceStartDate - 1 day; fall back to
	// the latest checkpoint with a warning if none qualifies).
	cp, checkpointID, err := e.selectCheckpoint(resequenceStartDate)
	if err != nil {
		return Summary{}, err
	}

	// Step 6: filter analyzer data to the tail window and run the sequencer
	// on it, seeded with the restored per-stream states.
	tailData := filterTail(data, resequenceStartDate)
	resequenced, states, err := e.orch.Resequence(tailData, cp.Streams)
	if err != nil {
		return Summary{}, err
	}

	// Step 8: concat head and resequenced slice, sentinel-fill, canonical
	// sort, reassign global_trade_id, persist via C13.
	combined := concatWithSentinels(head, resequenced)
	final, err := e.orch.Finalize(combined)
	if err != nil {
		return Summary{}, err
	}
	if err := e.orch.Persist(final, states, time.Time{}); err != nil {
		return Summary{}, err
	}

	return Summary{
		RowsPreserved:   len(head),
		RowsResequenced: len(resequenced),
		WindowStart:     resequenceStartDate.Format("2006-01-02"),
		CheckpointID:    checkpointID,
		Duration:        time.Since(start),
		Rows:            final,
	}, nil
}

// selectCheckpoint implements the O1 resolution: prefer the newest
// checkpoint strictly before the resequence window, falling back to the
// latest checkpoint (with a warning) only when none qualifies.
func (e *Engine) selectCheckpoint(resequenceStartDate time.Time) (domain.Checkpoint, string, error) {
	metas, err := e.checkpoints.List()
	if err != nil {
		return domain.Checkpoint{}, "", err
	}
	if len(metas) == 0 {
		return domain.Checkpoint{}, "", domain.Fatal("resequence.selectCheckpoint", "",
			fmt.Errorf("no checkpoint available — run a full rebuild first"))
	}

	cutoff := resequenceStartDate.AddDate(0, 0, -1).Format("2006-01-02")
	for _, m := range metas { // metas is newest-first
		if m.CheckpointDate <= cutoff {
			cp, err := e.checkpoints.LoadByID(m.CheckpointID)
			if err != nil {
				return domain.Checkpoint{}, "", err
			}
			return cp, cp.CheckpointID, nil
		}
	}

	slog.Warn("resequence: no checkpoint strictly before window, falling back to latest",
		"resequence_start", resequenceStartDate.Format("2006-01-02"))
	cp, ok, err := e.checkpoints.LoadLatest()
	if err != nil {
		return domain.Checkpoint{}, "", err
	}
	if !ok {
		return domain.Checkpoint{}, "", domain.Fatal("resequence.selectCheckpoint", "",
			fmt.Errorf("no checkpoint available — run a full rebuild first"))
	}
	return cp, cp.CheckpointID, nil
}

// latestDateAndUniqueDays returns the single latest trade_date across every
// stream's rows, and the sorted set of unique trading days present in the
// merged data (the presence-based calendar used for the window's N-day arithmetic).
func latestDateAndUniqueDays(data map[string][]domain.AnalyzerRow) (time.Time, []time.Time) {
	seen := make(map[time.Time]struct{})
	var latest time.Time
	for _, rows := range data {
		for _, r := range rows {
			d := truncateDay(r.TradeDate)
			if d.IsZero() {
				continue
			}
			seen[d] = struct{}{}
			if d.After(latest) {
				latest = d
			}
		}
	}
	days := make([]time.Time, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return latest, days
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// nthTradingDayBack returns the unique trading day that is n trading days
// strictly before latest, counting only days present in uniqueDays (which
// must be sorted ascending). Errors if history is insufficient.
func nthTradingDayBack(uniqueDays []time.Time, latest time.Time, n int) (time.Time, error) {
	idx := -1
	for i, d := range uniqueDays {
		if d.Equal(latest) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return time.Time{}, fmt.Errorf("latest date %s not found in unique trading-day calendar", latest.Format("2006-01-02"))
	}
	target := idx - n
	if target < 0 {
		return time.Time{}, fmt.Errorf("only %d unique trading days present, need %d", idx+1, n)
	}
	return uniqueDays[target], nil
}

// filterTail returns only the rows whose trade_date is on or after cutoff.
func filterTail(data map[string][]domain.AnalyzerRow, cutoff time.Time) map[string][]domain.AnalyzerRow {
	out := make(map[string][]domain.AnalyzerRow, len(data))
	for stream, rows := range data {
		var filtered []domain.AnalyzerRow
		for _, r := range rows {
			if !r.TradeDate.Before(cutoff) {
				filtered = append(filtered, r)
			}
		}
		out[stream] = filtered
	}
	return out
}

// concatWithSentinels joins head and tail, filling the sentinel values the
// spec requires to keep the subsequent canonical sort stable: a null
// entry_time becomes "23:59:59" and a null Instrument/Stream becomes "".
// Only tail rows are filled: a resequenced NoTrade row, whose
// ActualTradeTime is empty, gets "23:59:59"; head rows pass through as
// loaded. Instrument and Stream are plain strings, so their "" needs no fill.
func concatWithSentinels(head, tail []domain.ChosenRow) []domain.ChosenRow {
	out := make([]domain.ChosenRow, 0, len(head)+len(tail))
	out = append(out, head...)
	for _, r := range tail {
		if r.ActualTradeTime == "" {
			r.ActualTradeTime = "23:59:59"
		}
		out = append(out, r)
	}
	return out
}

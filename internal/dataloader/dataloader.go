// Package dataloader implements C3: the parallel reader of per-stream
// monthly analyzer files (§4.3, §6.1). It enforces the trade_date contract
// before any row reaches the sequencer and paces retries for streams whose
// directory is still being populated by an upstream job.
package dataloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/time/rate"

	"github.com/qtsw/matrixcore/internal/domain"
)

var monthlyFilePattern = regexp.MustCompile(`^([A-Z]{2,3}[12])_an_(\d{4})_(\d{2})\.parquet$`)

// DateFilter narrows the rows a Load call returns. A zero value loads
// everything.
type DateFilter struct {
	StartDate    time.Time
	EndDate      time.Time
	SpecificDate time.Time
}

func (f DateFilter) matches(d time.Time) bool {
	if !f.SpecificDate.IsZero() {
		return sameDay(d, f.SpecificDate)
	}
	if !f.StartDate.IsZero() && d.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && d.After(f.EndDate) {
		return false
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Config configures a Loader.
type Config struct {
	AnalyzerRunsDir          string
	Workers                  int // 0 = min(numStreams, 2*NumCPU)
	MaxRetries               int
	RetryDelay               time.Duration
	AllowInvalidDatesSalvage bool
}

// Loader reads per-stream monthly analyzer files under AnalyzerRunsDir.
type Loader struct {
	cfg Config
}

// New constructs a Loader.
func New(cfg Config) *Loader {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Loader{cfg: cfg}
}

// streamResult is one stream's load outcome, carried through the worker
// pool's result channel.
type streamResult struct {
	stream string
	rows   []domain.AnalyzerRow
	err    error
}

// LoadAll loads every stream in streams concurrently, sized at
// min(numStreams, 2*NumCPU) workers unless Config.Workers overrides it.
// A stream that yields zero rows is retried up to MaxRetries times, paced
// by RetryDelay, before being reported back with zero rows (the caller
// applies criticality rules).
func (l *Loader) LoadAll(ctx context.Context, streams []string, filter DateFilter) (map[string][]domain.AnalyzerRow, error) {
	workers := l.cfg.Workers
	if workers <= 0 {
		workers = min(len(streams), 2*runtime.NumCPU())
		if workers < 1 {
			workers = 1
		}
	}

	jobs := make(chan string, len(streams))
	results := make(chan streamResult, len(streams))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stream := range jobs {
				rows, err := l.loadStreamWithRetry(ctx, stream, filter)
				results <- streamResult{stream: stream, rows: rows, err: err}
			}
		}()
	}

	for _, s := range streams {
		jobs <- s
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string][]domain.AnalyzerRow, len(streams))
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		out[res.stream] = res.rows
	}
	return out, nil
}

func (l *Loader) loadStreamWithRetry(ctx context.Context, stream string, filter DateFilter) ([]domain.AnalyzerRow, error) {
	limiter := rate.NewLimiter(rate.Every(l.cfg.RetryDelay), 1)
	// Drain the initial token so the first retry also waits RetryDelay.
	limiter.Allow()
	attempts := l.cfg.MaxRetries + 1 // one initial attempt plus MaxRetries retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		rows, err := l.LoadStream(stream, filter)
		if err != nil {
			lastErr = err
			continue
		}
		if len(rows) > 0 {
			return rows, nil
		}
		slog.Warn("dataloader: stream returned no rows, retrying", "stream", stream, "attempt", attempt+1)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil // exhausted retries with zero usable rows; caller applies criticality
}

// LoadStream reads every monthly file for one stream, applies the date
// filter, and enforces the trade_date contract (I1).
func (l *Loader) LoadStream(stream string, filter DateFilter) ([]domain.AnalyzerRow, error) {
	dir := filepath.Join(l.cfg.AnalyzerRunsDir, stream)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Recoverable("dataloader.LoadStream", stream, fmt.Errorf("read dir %s: %w", dir, err))
	}

	var yearDirs []string
	for _, e := range entries {
		if e.IsDir() {
			yearDirs = append(yearDirs, e.Name())
		}
	}
	sort.Strings(yearDirs)

	var files []string
	for _, y := range yearDirs {
		yearPath := filepath.Join(dir, y)
		monthEntries, err := os.ReadDir(yearPath)
		if err != nil {
			continue
		}
		for _, me := range monthEntries {
			if me.IsDir() {
				continue
			}
			if m := monthlyFilePattern.FindStringSubmatch(me.Name()); m != nil && m[1] == stream {
				files = append(files, filepath.Join(yearPath, me.Name()))
			}
		}
	}
	sort.Strings(files)

	var rows []domain.AnalyzerRow
	for _, path := range files {
		fileRows, err := readParquetFile(path, stream)
		if err != nil {
			return nil, domain.Fatal("dataloader.LoadStream", stream, fmt.Errorf("read %s: %w", path, err))
		}
		for _, r := range fileRows {
			if !filter.matches(r.TradeDate) {
				continue
			}
			rows = append(rows, r)
		}
	}

	return l.enforceDateContract(stream, rows)
}

func readParquetFile(path, stream string) ([]domain.AnalyzerRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[parquetRow](f)
	defer reader.Close()

	buf := make([]parquetRow, 512)
	var rows []domain.AnalyzerRow
	for {
		n, err := reader.Read(buf)
		for _, pr := range buf[:n] {
			rows = append(rows, toAnalyzerRow(pr, stream))
		}
		if err != nil {
			break // io.EOF or any other terminal read error ends the scan
		}
	}
	return rows, nil
}

func toAnalyzerRow(pr parquetRow, fallbackStream string) domain.AnalyzerRow {
	stream := pr.Stream
	if stream == "" {
		stream = fallbackStream
	}
	instrument := pr.Instrument
	if instrument == "" {
		instrument = instrumentOf(stream)
	}
	return domain.AnalyzerRow{
		TradeDate:  pr.Date,
		Time:       pr.Time,
		Stream:     stream,
		Instrument: instrument,
		Session:    domain.Session(pr.Session),
		Direction:  pr.Direction,
		Result:     pr.Result,
		Profit:     pr.Profit,
		Target:     pr.Target,
		Range:      pr.Range,
		Peak:       pr.Peak,
		StopLoss:   pr.StopLoss,
		ScfS1:      pr.ScfS1,
		ScfS2:      pr.ScfS2,
		Onr:        pr.Onr,
		OnrHigh:    pr.OnrHigh,
		OnrLow:     pr.OnrLow,
	}
}

func instrumentOf(stream string) string {
	if len(stream) == 0 {
		return stream
	}
	return stream[:len(stream)-1]
}

// enforceDateContract implements I1: every row must carry a non-zero
// trade_date. With salvage disabled, any violation is a Tier-0 abort naming
// the stream and up to 5 offending rows. With salvage enabled, bad rows are
// dropped and logged.
func (l *Loader) enforceDateContract(stream string, rows []domain.AnalyzerRow) ([]domain.AnalyzerRow, error) {
	var bad []domain.AnalyzerRow
	var good []domain.AnalyzerRow
	for _, r := range rows {
		if r.TradeDate.IsZero() {
			bad = append(bad, r)
			continue
		}
		good = append(good, r)
	}
	if len(bad) == 0 {
		return rows, nil
	}

	if !l.cfg.AllowInvalidDatesSalvage {
		sample := bad
		if len(sample) > 5 {
			sample = sample[:5]
		}
		return nil, domain.Fatal("dataloader.enforceDateContract", stream,
			fmt.Errorf("%d rows with invalid trade_date, sample times=%v", len(bad), sampleTimes(sample)))
	}

	slog.Warn("dataloader: salvage mode dropped invalid-date rows", "stream", stream, "dropped", len(bad))
	return good, nil
}

func sampleTimes(rows []domain.AnalyzerRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Time
	}
	return out
}


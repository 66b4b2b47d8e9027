// Package orchestrator implements C10, the Master Matrix Orchestrator: the
// full and partial rebuild entry points, invariant enforcement, canonical
// sort, and the Time-immutability check (§4.10).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/qtsw/matrixcore/internal/checkpoint"
	"github.com/qtsw/matrixcore/internal/dataloader"
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/filemanager"
	"github.com/qtsw/matrixcore/internal/filterengine"
	"github.com/qtsw/matrixcore/internal/sequencer"
	"github.com/qtsw/matrixcore/internal/streamdiscovery"
	"github.com/qtsw/matrixcore/internal/timeutil"
)

// Config wires the orchestrator to its collaborators.
type Config struct {
	Discovery        *streamdiscovery.Discovery
	Loader           *dataloader.Loader
	Checkpoints      *checkpoint.Store
	Files            *filemanager.Manager
	StreamFilters    map[string]domain.StreamConfig
	CriticalStreams  map[string]struct{}
}

// Orchestrator drives full and partial Master Matrix rebuilds.
type Orchestrator struct {
	cfg Config
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.StreamFilters == nil {
		cfg.StreamFilters = map[string]domain.StreamConfig{}
	}
	return &Orchestrator{cfg: cfg}
}

// streamOutcome is one stream's sequencer pass, or an error explaining why
// it is absent from the matrix.
type streamOutcome struct {
	stream string
	rows   []domain.ChosenRow
	state  domain.SequencerState
	err    error
}

// FullRebuild discovers every stream, processes all of its history, and
// persists a brand-new Master Matrix plus a fresh checkpoint (§4.10).
func (o *Orchestrator) FullRebuild(ctx context.Context, analyzerRunsDir string) ([]domain.ChosenRow, error) {
	streams := o.cfg.Discovery.Streams(analyzerRunsDir)

	if err := o.checkCriticalStreams(streams); err != nil {
		return nil, err
	}

	data, err := o.cfg.Loader.LoadAll(ctx, streams, dataloader.DateFilter{})
	if err != nil {
		return nil, err
	}

	outcomes := o.processStreamsParallel(streams, data, nil)
	rows, states, err := o.collectOutcomes(outcomes)
	if err != nil {
		return nil, err
	}

	rows, err = o.finalize(rows)
	if err != nil {
		return nil, err
	}

	if err := o.persist(rows, states, time.Time{}); err != nil {
		return nil, err
	}
	return rows, nil
}

// PartialRebuild reprocesses only the named streams, preserving every
// other stream's rows from the existing matrix (§4.10).
func (o *Orchestrator) PartialRebuild(ctx context.Context, analyzerRunsDir string, streams []string) ([]domain.ChosenRow, error) {
	existing, err := filemanager.LoadExisting(o.outDir())
	if err != nil {
		return nil, err
	}

	target := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		target[s] = struct{}{}
	}

	var preserved []domain.ChosenRow
	for _, r := range existing {
		if _, ok := target[r.Stream]; !ok {
			preserved = append(preserved, r)
		}
	}

	if err := o.checkCriticalStreams(streams); err != nil {
		return nil, err
	}

	data, err := o.cfg.Loader.LoadAll(ctx, streams, dataloader.DateFilter{})
	if err != nil {
		return nil, err
	}

	outcomes := o.processStreamsParallel(streams, data, nil)
	rows, states, err := o.collectOutcomes(outcomes)
	if err != nil {
		return nil, err
	}

	combined := append(preserved, rows...)
	combined, err = o.finalize(combined)
	if err != nil {
		return nil, err
	}

	if err := o.persist(combined, states, time.Time{}); err != nil {
		return nil, err
	}
	return combined, nil
}

func (o *Orchestrator) outDir() string {
	return o.cfg.Files.OutDir()
}

// Resequence runs the sequencer over data for exactly the streams present,
// seeded with restored per-stream states — the C11 tail-window replay. It
// does not sort, reassign global_trade_id, or persist; callers combine the
// result with preserved history and call Finalize/Persist themselves. The
// returned state map carries forward restored states verbatim for any
// stream that had no tail rows to process.
func (o *Orchestrator) Resequence(data map[string][]domain.AnalyzerRow, restored map[string]domain.SequencerState) ([]domain.ChosenRow, map[string]domain.SequencerState, error) {
	streams := make([]string, 0, len(data))
	for s := range data {
		streams = append(streams, s)
	}
	sort.Strings(streams)

	outcomes := o.processStreamsParallel(streams, data, restored)
	rows, states, err := o.collectOutcomes(outcomes)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]domain.SequencerState, len(restored)+len(states))
	for stream, st := range restored {
		merged[stream] = st
	}
	for stream, st := range states {
		merged[stream] = st
	}
	return rows, merged, nil
}

// Finalize exposes finalize (canonical sort, global_trade_id, I3 check) for
// callers assembling a matrix outside of FullRebuild/PartialRebuild.
func (o *Orchestrator) Finalize(rows []domain.ChosenRow) ([]domain.ChosenRow, error) {
	return o.finalize(rows)
}

// Persist exposes persist for callers assembling a matrix outside of
// FullRebuild/PartialRebuild.
func (o *Orchestrator) Persist(rows []domain.ChosenRow, states map[string]domain.SequencerState, specificDate time.Time) error {
	return o.persist(rows, states, specificDate)
}

// OutDir exposes the orchestrator's configured output directory.
func (o *Orchestrator) OutDir() string {
	return o.outDir()
}

// checkCriticalStreams implements the critical-stream gate: any stream in
// CriticalStreams that isn't in the list being processed aborts the build.
func (o *Orchestrator) checkCriticalStreams(streams []string) error {
	present := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		present[s] = struct{}{}
	}
	for critical := range o.cfg.CriticalStreams {
		if _, ok := present[critical]; !ok {
			return domain.Fatal("orchestrator.checkCriticalStreams", critical,
				fmt.Errorf("critical stream %s has no directory or files", critical))
		}
	}
	return nil
}

// processStreamsParallel runs the sequencer for every stream concurrently;
// per §4.7.3 this must be exactly equivalent to sequential processing.
// initial supplies a restored SequencerState per stream for the resequence
// path; nil for a full/partial rebuild.
func (o *Orchestrator) processStreamsParallel(streams []string, data map[string][]domain.AnalyzerRow, initial map[string]domain.SequencerState) []streamOutcome {
	workers := min(len(streams), 2*runtime.NumCPU())
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string, len(streams))
	results := make(chan streamOutcome, len(streams))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stream := range jobs {
				results <- o.processStream(stream, data[stream], initial)
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

	out := make([]streamOutcome, 0, len(streams))
	for r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].stream < out[j].stream })
	return out
}

func (o *Orchestrator) processStream(stream string, rows []domain.AnalyzerRow, initialStates map[string]domain.SequencerState) streamOutcome {
	if len(rows) == 0 {
		if _, critical := o.cfg.CriticalStreams[stream]; critical {
			return streamOutcome{stream: stream, err: domain.Fatal("orchestrator.processStream", stream, fmt.Errorf("no usable rows for critical stream"))}
		}
		slog.Warn("orchestrator: stream missing, proceeding without it", "stream", stream)
		return streamOutcome{stream: stream}
	}

	session := sequencer.DetermineSession(rows)
	streamCfg := o.cfg.StreamFilters[stream]

	var initial *domain.SequencerState
	if initialStates != nil {
		if st, ok := initialStates[stream]; ok {
			initial = &st
		}
	}

	seq, err := sequencer.New(sequencer.Config{Stream: stream, StreamCfg: streamCfg}, session, initial)
	if err != nil {
		return streamOutcome{stream: stream, err: err}
	}

	chosen, err := seq.Process(rows)
	if err != nil {
		return streamOutcome{stream: stream, err: err}
	}

	decorated := make([]domain.ChosenRow, len(chosen))
	for i, c := range chosen {
		dec := filterengine.Apply(streamCfg, stream, c.TradeDate, c.Session, c.ActualTradeTime, c.Time)
		c.DayOfMonth, c.DOW, c.DOWFull, c.Month = dec.DayOfMonth, dec.DOW, dec.DOWFull, dec.Month
		c.SessionIndex, c.IsTwoStream, c.DOMBlocked = dec.SessionIndex, dec.IsTwoStream, dec.DOMBlocked
		c.FilterReasons, c.FinalAllowed = dec.FilterReasons, dec.FinalAllowed
		decorated[i] = c
	}

	return streamOutcome{stream: stream, rows: decorated, state: seq.State()}
}

func (o *Orchestrator) collectOutcomes(outcomes []streamOutcome) ([]domain.ChosenRow, map[string]domain.SequencerState, error) {
	var rows []domain.ChosenRow
	states := make(map[string]domain.SequencerState, len(outcomes))
	for _, out := range outcomes {
		if out.err != nil {
			return nil, nil, out.err
		}
		rows = append(rows, out.rows...)
		if out.rows != nil {
			states[out.stream] = out.state
		}
	}
	return rows, states, nil
}

// finalize applies the canonical sort (I2), assigns global_trade_id, and
// re-verifies I4/I3 against a post-sequencer fingerprint.
func (o *Orchestrator) finalize(rows []domain.ChosenRow) ([]domain.ChosenRow, error) {
	fingerprint := make(map[fingerprintKey]string, len(rows))
	for _, r := range rows {
		fingerprint[keyOf(r)] = r.Time
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Stream != rows[j].Stream {
			return rows[i].Stream < rows[j].Stream
		}
		if !rows[i].TradeDate.Equal(rows[j].TradeDate) {
			return rows[i].TradeDate.Before(rows[j].TradeDate)
		}
		return timeutil.Before(rows[i].Time, rows[j].Time)
	})

	for i := range rows {
		rows[i].GlobalTradeID = int64(i + 1)

		if got, want := rows[i].Time, fingerprint[keyOf(rows[i])]; got != want {
			return nil, domain.Fatal("orchestrator.finalize", rows[i].Stream,
				fmt.Errorf("Time mutated post-sequencer: have %s want %s", got, want))
		}
	}

	if err := o.verifySelectable(rows); err != nil {
		return nil, err
	}

	return rows, nil
}

// verifySelectable re-checks I4/P3 over the whole assembled matrix — a
// violation here indicates a logic defect, not a data problem.
func (o *Orchestrator) verifySelectable(rows []domain.ChosenRow) error {
	cache := make(map[string][]string)
	for _, r := range rows {
		selectable, ok := cache[r.Stream]
		if !ok {
			cfg := o.cfg.StreamFilters[r.Stream]
			selectable = cfg.SelectableTimes(r.Session)
			cache[r.Stream] = selectable
		}
		if !contains(selectable, r.Time) {
			return domain.Fatal("orchestrator.verifySelectable", r.Stream,
				fmt.Errorf("Time %s on %s is not a selectable slot", r.Time, r.TradeDate.Format("2006-01-02")))
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

type fingerprintKey struct {
	stream string
	date   string
	entry  string
}

func keyOf(r domain.ChosenRow) fingerprintKey {
	return fingerprintKey{stream: r.Stream, date: r.TradeDate.Format("2006-01-02"), entry: timeutil.Normalize(r.ActualTradeTime)}
}

func (o *Orchestrator) persist(rows []domain.ChosenRow, states map[string]domain.SequencerState, specificDate time.Time) error {
	if err := o.cfg.Files.Save(rows, specificDate); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}
	maxDate := rows[0].TradeDate
	for _, r := range rows {
		if r.TradeDate.After(maxDate) {
			maxDate = r.TradeDate
		}
	}

	cp := domain.Checkpoint{
		CheckpointDate: maxDate.Format("2006-01-02"),
		CreatedAt:      time.Now().UTC(),
		Streams:        states,
	}
	if _, err := o.cfg.Checkpoints.Create(cp); err != nil {
		return err
	}
	return nil
}

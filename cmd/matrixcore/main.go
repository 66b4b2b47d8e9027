package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/qtsw/matrixcore/config"
	"github.com/qtsw/matrixcore/internal/checkpoint"
	"github.com/qtsw/matrixcore/internal/dataloader"
	"github.com/qtsw/matrixcore/internal/domain"
	"github.com/qtsw/matrixcore/internal/filemanager"
	"github.com/qtsw/matrixcore/internal/orchestrator"
	"github.com/qtsw/matrixcore/internal/resequence"
	"github.com/qtsw/matrixcore/internal/runhistory"
	"github.com/qtsw/matrixcore/internal/sequencer"
	"github.com/qtsw/matrixcore/internal/statistics"
	"github.com/qtsw/matrixcore/internal/streamdiscovery"
	"github.com/qtsw/matrixcore/internal/timetable"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	fullRebuild := flag.Bool("full-rebuild", false, "run a full Master Matrix rebuild and exit")
	rollingResequence := flag.Bool("rolling-resequence", false, "run the rolling resequence engine and exit")
	resequenceDays := flag.Int("resequence-days", 0, "override N for rolling resequence (0 = config default)")
	partialRebuild := flag.String("partial-rebuild", "", "comma-separated stream list for a partial rebuild")
	report := flag.Bool("report", false, "print the latest matrix's summary statistics as a table")
	validate := flag.String("validate", "", "print the sequencer trace for the named stream and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	setupLogger(cfg.Log)

	slog.Info("matrixcore starting",
		"config", *configPath,
		"analyzer_runs_dir", cfg.Matrix.AnalyzerRunsDir,
		"output_dir", cfg.Matrix.OutputDir,
		"full_rebuild", *fullRebuild,
		"rolling_resequence", *rollingResequence,
		"partial_rebuild", *partialRebuild,
		"report", *report,
		"validate", *validate,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	disc := streamdiscovery.New()
	loader := dataloader.New(dataloader.Config{
		AnalyzerRunsDir:          cfg.Matrix.AnalyzerRunsDir,
		Workers:                  cfg.Matrix.DataLoaderWorkers,
		MaxRetries:               cfg.Matrix.MaxRetries,
		RetryDelay:               cfg.Matrix.RetryDelay(),
		AllowInvalidDatesSalvage: cfg.Matrix.AllowInvalidDatesSalvage,
	})

	cps, err := checkpoint.New(cfg.Matrix.CheckpointDir)
	if err != nil {
		slog.Error("failed to open checkpoint store", "err", err)
		os.Exit(1)
	}

	tt := timetable.New(cfg.Matrix.TimetableDir, cfg.Matrix.Instruments)
	files := filemanager.New(cfg.Matrix.OutputDir, tt)

	runs, err := runhistory.Open(filepath.Join("state", "run_history.jsonl"), cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open run history", "err", err)
		os.Exit(1)
	}
	defer runs.Close()

	orch := orchestrator.New(orchestrator.Config{
		Discovery:       disc,
		Loader:          loader,
		Checkpoints:     cps,
		Files:           files,
		StreamFilters:   cfg.StreamConfigs(),
		CriticalStreams: cfg.CriticalStreamSet(),
	})

	switch {
	case *validate != "":
		runValidate(cfg, loader, *validate)
		return

	case *report:
		runReport(files.OutDir())
		return

	case *fullRebuild:
		runAndRecord(runs, domain.RunModeFullRebuild, 0, func() ([]domain.ChosenRow, error) {
			return orch.FullRebuild(ctx, cfg.Matrix.AnalyzerRunsDir)
		})

	case *rollingResequence:
		days := *resequenceDays
		if days <= 0 {
			days = cfg.Matrix.RollingWindow
		}
		engine := resequence.New(resequence.Config{
			DiscoverStreams: disc.Streams,
			Loader:          loader,
			Checkpoints:     cps,
			Files:           files,
			Orchestrator:    orch,
		})
		runAndRecordResequence(runs, days, func() (resequence.Summary, error) {
			return engine.Run(ctx, cfg.Matrix.AnalyzerRunsDir, days)
		})

	case *partialRebuild != "":
		streams := strings.Split(*partialRebuild, ",")
		for i := range streams {
			streams[i] = strings.TrimSpace(streams[i])
		}
		runAndRecord(runs, domain.RunModePartialRebuild, 0, func() ([]domain.ChosenRow, error) {
			return orch.PartialRebuild(ctx, cfg.Matrix.AnalyzerRunsDir, streams)
		})

	default:
		slog.Error("no run mode selected — pass one of -full-rebuild, -rolling-resequence, -partial-rebuild, -report, -validate")
		os.Exit(1)
	}

	slog.Info("matrixcore finished")
}

// runAndRecord wraps a build operation with run-history bookkeeping,
// exactly as the spec requires every build to append a RunRecord whether
// it succeeds or fails.
func runAndRecord(runs *runhistory.Log, mode domain.RunMode, requestedDays int, op func() (rows []domain.ChosenRow, err error)) {
	start := time.Now()
	rec := domain.RunRecord{
		RunID:         uuid.New().String(),
		Mode:          mode,
		Timestamp:     start.UTC(),
		RequestedDays: requestedDays,
	}

	rows, err := op()
	rec.RowsWritten = len(rows)
	rec.DurationSeconds = time.Since(start).Seconds()
	rec.Success = err == nil
	if err != nil {
		rec.ErrorMessage = err.Error()
	} else {
		rec.StatsSummaryJSON = marshalStats(rows)
	}

	if logErr := runs.Append(rec); logErr != nil {
		slog.Warn("failed to append run history", "err", logErr)
	}

	if err != nil {
		if domain.IsFatal(err) {
			slog.Error("build aborted", "err", err)
			os.Exit(1)
		}
		slog.Error("build failed", "err", err)
		os.Exit(1)
	}
	slog.Info("build complete", "rows_written", len(rows), "duration", time.Since(start))
}

// marshalStats computes the summary statistics for rows and encodes them as
// JSON for RunRecord.StatsSummaryJSON. A marshal failure only ever indicates
// a programming error (Summary has no unmarshalable fields), so it is logged
// and the field is left empty rather than failing the whole build.
func marshalStats(rows []domain.ChosenRow) string {
	data, err := json.Marshal(statistics.Compute(rows))
	if err != nil {
		slog.Warn("failed to marshal run statistics", "err", err)
		return ""
	}
	return string(data)
}

func runAndRecordResequence(runs *runhistory.Log, requestedDays int, op func() (resequence.Summary, error)) {
	start := time.Now()
	rec := domain.RunRecord{
		RunID:         uuid.New().String(),
		Mode:          domain.RunModeRollingResequence,
		Timestamp:     start.UTC(),
		RequestedDays: requestedDays,
	}

	summary, err := op()
	rec.RowsWritten = summary.RowsPreserved + summary.RowsResequenced
	rec.ReprocessStartDate = summary.WindowStart
	rec.CheckpointRestoreID = summary.CheckpointID
	rec.DurationSeconds = time.Since(start).Seconds()
	rec.Success = err == nil
	if err != nil {
		rec.ErrorMessage = err.Error()
	} else {
		rec.StatsSummaryJSON = marshalStats(summary.Rows)
	}

	if logErr := runs.Append(rec); logErr != nil {
		slog.Warn("failed to append run history", "err", logErr)
	}

	if err != nil {
		slog.Error("rolling resequence failed", "err", err)
		os.Exit(1)
	}
	slog.Info("rolling resequence complete",
		"rows_preserved", summary.RowsPreserved,
		"rows_resequenced", summary.RowsResequenced,
		"window_start", summary.WindowStart,
		"duration", summary.Duration,
	)
}

func runReport(outDir string) {
	rows, err := filemanager.LoadExisting(outDir)
	if err != nil {
		slog.Error("failed to load matrix for report", "err", err)
		os.Exit(1)
	}
	summary := statistics.Compute(rows)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Stream", "Rows", "Win", "Loss", "BE", "NoTrade", "NoTrade%", "MeanSL", "Switches")
	for _, s := range summary.Streams {
		table.Append(
			s.Stream,
			fmt.Sprintf("%d", s.Rows),
			fmt.Sprintf("%d", s.Wins),
			fmt.Sprintf("%d", s.Losses),
			fmt.Sprintf("%d", s.BreakEvens),
			fmt.Sprintf("%d", s.NoTrades),
			fmt.Sprintf("%.1f%%", s.NoTradeRate*100),
			fmt.Sprintf("%.2f", s.MeanSL),
			fmt.Sprintf("%d", s.SlotSwitches),
		)
	}
	table.Render()
	fmt.Printf("\ntotal rows: %d | overall mean SL: %.2f\n", summary.TotalRows, summary.OverallMeanSL)
}

func runValidate(cfg *config.Config, loader *dataloader.Loader, stream string) {
	rows, err := loader.LoadStream(stream, dataloader.DateFilter{})
	if err != nil {
		slog.Error("failed to load stream for validation", "stream", stream, "err", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		slog.Error("no rows found for stream", "stream", stream)
		os.Exit(1)
	}

	session := sequencer.DetermineSession(rows)
	streamCfg := cfg.StreamConfigs()[stream]
	seq, err := sequencer.New(sequencer.Config{Stream: stream, StreamCfg: streamCfg}, session, nil)
	if err != nil {
		slog.Error("failed to construct sequencer", "stream", stream, "err", err)
		os.Exit(1)
	}

	trace, err := seq.Trace(rows)
	if err != nil {
		slog.Error("trace failed", "stream", stream, "err", err)
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Date", "Slot In", "Result", "Scores", "Rolling", "Switch?", "Switch To", "Slot Out")
	for _, day := range trace {
		switchTo := "-"
		if day.SwitchDecided {
			switchTo = day.SwitchTarget
		}
		var scores, rolling []string
		for _, t := range domain.SlotEnds[session] {
			scores = append(scores, fmt.Sprintf("%s=%d", t, day.Scores[t]))
			rolling = append(rolling, fmt.Sprintf("%s=%d", t, day.RollingSums[t]))
		}
		table.Append(
			day.Date,
			day.CurrentTimeIn,
			day.Chosen.Result,
			strings.Join(scores, " "),
			strings.Join(rolling, " "),
			fmt.Sprintf("%v", day.SwitchDecided),
			switchTo,
			day.CurrentTimeOut,
		)
	}
	table.Render()
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

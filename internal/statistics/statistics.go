// Package statistics computes the summary table printed by the -report
// CLI flag and stored alongside each RunRecord, mirroring the aggregate
// stats struct the teacher computes at the end of a trading run.
package statistics

import "github.com/qtsw/matrixcore/internal/domain"

// StreamSummary is the per-stream slice of the overall Summary.
type StreamSummary struct {
	Stream       string
	Rows         int
	Wins         int
	Losses       int
	BreakEvens   int
	NoTrades     int
	NoTradeRate  float64
	MeanSL       float64
	SlotSwitches int
}

// Summary is the aggregate statistics computed over one Master Matrix build.
type Summary struct {
	TotalRows    int
	Streams      []StreamSummary
	OverallMeanSL float64
}

// Compute aggregates rows by stream, preserving the order streams are first
// encountered in (rows are expected to already be canonically sorted, so
// this also matches stream-then-date order).
func Compute(rows []domain.ChosenRow) Summary {
	order := make([]string, 0)
	byStream := make(map[string][]domain.ChosenRow)
	for _, r := range rows {
		if _, ok := byStream[r.Stream]; !ok {
			order = append(order, r.Stream)
		}
		byStream[r.Stream] = append(byStream[r.Stream], r)
	}

	summary := Summary{TotalRows: len(rows)}
	var slSum float64
	var slCount int

	for _, stream := range order {
		streamRows := byStream[stream]
		ss := StreamSummary{Stream: stream, Rows: len(streamRows)}

		var slotSwitches int
		var slSumStream float64
		prevTime := ""
		for i, r := range streamRows {
			switch r.Result {
			case "Win":
				ss.Wins++
			case "Loss":
				ss.Losses++
			case "BE":
				ss.BreakEvens++
			case "NoTrade":
				ss.NoTrades++
			}
			slSumStream += r.SL
			slSum += r.SL
			slCount++
			if i > 0 && r.Time != prevTime {
				slotSwitches++
			}
			prevTime = r.Time
		}
		ss.SlotSwitches = slotSwitches
		if ss.Rows > 0 {
			ss.NoTradeRate = float64(ss.NoTrades) / float64(ss.Rows)
			ss.MeanSL = slSumStream / float64(ss.Rows)
		}
		summary.Streams = append(summary.Streams, ss)
	}

	if slCount > 0 {
		summary.OverallMeanSL = slSum / float64(slCount)
	}
	return summary
}

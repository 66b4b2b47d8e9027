// Package timeutil provides the normalization, session lookup, and scoring
// primitives every equality comparison of time strings in the sequencer
// depends on (C1).
package timeutil

import (
	"strconv"
	"strings"
	"sync"

	"github.com/qtsw/matrixcore/internal/domain"
)

var (
	normalizeMu    sync.Mutex
	normalizeCache = make(map[string]string)
)

// Normalize strips whitespace and zero-pads a raw "H:MM"/"HH:MM" string into
// canonical "HH:MM" form. Results are cached in a bounded, read-mostly map
// since every comparison in the sequencer and filter engine normalizes its
// inputs.
func Normalize(raw string) string {
	normalizeMu.Lock()
	if v, ok := normalizeCache[raw]; ok {
		normalizeMu.Unlock()
		return v
	}
	normalizeMu.Unlock()

	out := normalize(raw)

	normalizeMu.Lock()
	if len(normalizeCache) < 10_000 {
		normalizeCache[raw] = out
	}
	normalizeMu.Unlock()
	return out
}

func normalize(raw string) string {
	s := strings.TrimSpace(raw)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return s
	}
	h, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	m, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return s
	}
	return twoDigit(h) + ":" + twoDigit(m)
}

func twoDigit(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// SessionOf looks up the session containing time in the canonical slot
// table. Defaults to S1 on a miss — callers must only rely on that default
// where mixing a stream's own session is impossible (e.g. when seeding a
// fresh sequencer with no configured session yet).
func SessionOf(time string) domain.Session {
	norm := Normalize(time)
	for _, t := range domain.SlotEnds[domain.SessionS1] {
		if t == norm {
			return domain.SessionS1
		}
	}
	for _, t := range domain.SlotEnds[domain.SessionS2] {
		if t == norm {
			return domain.SessionS2
		}
	}
	return domain.SessionS1
}

// ScoreOf maps an analyzer result to its sequencer score. This asymmetry
// (Win +1, Loss -2, everything else 0) is load-bearing — do not alter it.
func ScoreOf(result string) int {
	switch result {
	case "Win":
		return 1
	case "Loss":
		return -2
	default:
		return 0
	}
}

// SortKey returns (hour, minute) for chronological sorts of a normalized
// HH:MM slot. Never rely on string lexical order for this purpose.
func SortKey(t string) (int, int) {
	norm := Normalize(t)
	parts := strings.SplitN(norm, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	return h, m
}

// Before reports whether a occurs strictly before b, chronologically.
func Before(a, b string) bool {
	ah, am := SortKey(a)
	bh, bm := SortKey(b)
	if ah != bh {
		return ah < bh
	}
	return am < bm
}

// Package streamdiscovery enumerates the streams present under an analyzer
// output directory and caches the result by directory mtime (C2).
package streamdiscovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var streamPattern = regexp.MustCompile(`^[A-Z]{2,3}[12]$`)

type cacheEntry struct {
	mtime   time.Time
	streams []string
}

// Discovery caches directory scans by (absolute path, directory mtime).
type Discovery struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Discovery with an empty cache.
func New() *Discovery {
	return &Discovery{cache: make(map[string]cacheEntry)}
}

// Streams returns the sorted list of stream directories under dir whose
// name matches ^[A-Z]{2,3}[12]$. Returns an empty list (logged, not raised)
// if dir is missing. Cached by directory mtime — a rescan only happens when
// the directory has actually changed.
func (d *Discovery) Streams(dir string) []string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	info, err := os.Stat(abs)
	if err != nil {
		slog.Warn("streamdiscovery: directory missing", "dir", abs, "err", err)
		return nil
	}
	mtime := info.ModTime()

	d.mu.Lock()
	if entry, ok := d.cache[abs]; ok && entry.mtime.Equal(mtime) {
		d.mu.Unlock()
		return entry.streams
	}
	d.mu.Unlock()

	streams := scan(abs)

	d.mu.Lock()
	d.cache[abs] = cacheEntry{mtime: mtime, streams: streams}
	d.mu.Unlock()

	return streams
}

func scan(abs string) []string {
	entries, err := os.ReadDir(abs)
	if err != nil {
		slog.Warn("streamdiscovery: read dir failed", "dir", abs, "err", err)
		return nil
	}

	var streams []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if streamPattern.MatchString(e.Name()) {
			streams = append(streams, e.Name())
		}
	}
	sort.Strings(streams)
	return streams
}

// Instrument returns a stream name without its trailing session digit, e.g.
// "ES1" -> "ES".
func Instrument(stream string) string {
	if len(stream) == 0 {
		return stream
	}
	return stream[:len(stream)-1]
}

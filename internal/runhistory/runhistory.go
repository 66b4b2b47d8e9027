// Package runhistory implements C9: the append-only record of every build
// that has ever run. The append-only JSONL file is authoritative; the
// SQLite mirror exists purely so Recent and ByID can look up runs without
// scanning and parsing the whole file (§1.6 of the expanded spec).
package runhistory

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/qtsw/matrixcore/internal/domain"
)

// Log is the append-only run history backed by a JSONL file and mirrored
// into a SQLite database for fast recent-run queries.
type Log struct {
	jsonlPath string
	db        *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS run_history (
    run_id                TEXT PRIMARY KEY,
    mode                  TEXT NOT NULL,
    ts                    DATETIME NOT NULL,
    requested_days        INTEGER NOT NULL DEFAULT 0,
    reprocess_start_date  TEXT NOT NULL DEFAULT '',
    merged_data_max_date  TEXT NOT NULL DEFAULT '',
    checkpoint_restore_id TEXT NOT NULL DEFAULT '',
    rows_read             INTEGER NOT NULL DEFAULT 0,
    rows_written          INTEGER NOT NULL DEFAULT 0,
    duration_seconds      REAL NOT NULL DEFAULT 0,
    success               INTEGER NOT NULL DEFAULT 0,
    error_message         TEXT NOT NULL DEFAULT '',
    stats_summary_json    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_history_ts ON run_history(ts DESC);
`

// Open opens (creating if absent) the JSONL file at jsonlPath and the
// SQLite mirror at sqlitePath, applying the schema and replaying the JSONL
// into the mirror so the two never drift after a restart.
func Open(jsonlPath, sqlitePath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(jsonlPath), 0o755); err != nil {
		return nil, domain.Fatal("runhistory.Open", "", fmt.Errorf("create state dir: %w", err))
	}

	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, domain.Fatal("runhistory.Open", "", fmt.Errorf("open sqlite mirror %q: %w", sqlitePath, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.Fatal("runhistory.Open", "", fmt.Errorf("apply schema: %w", err))
	}

	l := &Log{jsonlPath: jsonlPath, db: db}
	if err := l.rebuildMirror(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the SQLite mirror. The JSONL file needs no explicit close —
// Append opens and closes it per call, which is what makes it safe to tail
// with an external process while the build is running.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes one RunRecord to the JSONL file and mirrors it into SQLite.
// The JSONL write always happens, even if the mirror write subsequently
// fails — the mirror is a convenience index, not the record of truth.
func (l *Log) Append(rec domain.RunRecord) error {
	f, err := os.OpenFile(l.jsonlPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Fatal("runhistory.Append", "", fmt.Errorf("open %s: %w", l.jsonlPath, err))
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return domain.Fatal("runhistory.Append", "", fmt.Errorf("marshal: %w", err))
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return domain.Fatal("runhistory.Append", "", fmt.Errorf("append: %w", err))
	}

	if err := l.upsert(rec); err != nil {
		return domain.Recoverable("runhistory.Append", "", fmt.Errorf("mirror upsert: %w", err))
	}
	return nil
}

func (l *Log) upsert(rec domain.RunRecord) error {
	_, err := l.db.Exec(`
		INSERT INTO run_history
			(run_id, mode, ts, requested_days, reprocess_start_date, merged_data_max_date,
			 checkpoint_restore_id, rows_read, rows_written, duration_seconds, success, error_message,
			 stats_summary_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET
			mode=excluded.mode, ts=excluded.ts, requested_days=excluded.requested_days,
			reprocess_start_date=excluded.reprocess_start_date, merged_data_max_date=excluded.merged_data_max_date,
			checkpoint_restore_id=excluded.checkpoint_restore_id, rows_read=excluded.rows_read,
			rows_written=excluded.rows_written, duration_seconds=excluded.duration_seconds,
			success=excluded.success, error_message=excluded.error_message,
			stats_summary_json=excluded.stats_summary_json
	`,
		rec.RunID, string(rec.Mode), rec.Timestamp.UTC(), rec.RequestedDays, rec.ReprocessStartDate,
		rec.MergedDataMaxDate, rec.CheckpointRestoreID, rec.RowsRead, rec.RowsWritten,
		rec.DurationSeconds, boolToInt(rec.Success), rec.ErrorMessage, rec.StatsSummaryJSON,
	)
	return err
}

// Recent returns the most recent limit run records, newest first, served
// from the SQLite mirror.
func (l *Log) Recent(limit int) ([]domain.RunRecord, error) {
	rows, err := l.db.Query(`
		SELECT run_id, mode, ts, requested_days, reprocess_start_date, merged_data_max_date,
		       checkpoint_restore_id, rows_read, rows_written, duration_seconds, success, error_message,
		       stats_summary_json
		FROM run_history ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.Fatal("runhistory.Recent", "", fmt.Errorf("query: %w", err))
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByID returns the run record for the given run_id, or ok=false if absent.
func (l *Log) ByID(runID string) (domain.RunRecord, bool, error) {
	rows, err := l.db.Query(`
		SELECT run_id, mode, ts, requested_days, reprocess_start_date, merged_data_max_date,
		       checkpoint_restore_id, rows_read, rows_written, duration_seconds, success, error_message,
		       stats_summary_json
		FROM run_history WHERE run_id = ?`, runID)
	if err != nil {
		return domain.RunRecord{}, false, domain.Fatal("runhistory.ByID", "", fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	if len(recs) == 0 {
		return domain.RunRecord{}, false, nil
	}
	return recs[0], true, nil
}

func scanRecords(rows *sql.Rows) ([]domain.RunRecord, error) {
	var out []domain.RunRecord
	for rows.Next() {
		var rec domain.RunRecord
		var mode string
		var success int
		if err := rows.Scan(&rec.RunID, &mode, &rec.Timestamp, &rec.RequestedDays, &rec.ReprocessStartDate,
			&rec.MergedDataMaxDate, &rec.CheckpointRestoreID, &rec.RowsRead, &rec.RowsWritten,
			&rec.DurationSeconds, &success, &rec.ErrorMessage, &rec.StatsSummaryJSON); err != nil {
			return nil, domain.Fatal("runhistory.scanRecords", "", fmt.Errorf("scan: %w", err))
		}
		rec.Mode = domain.RunMode(mode)
		rec.Success = success == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rebuildMirror replays the JSONL file into the SQLite mirror, tolerating
// malformed trailing lines (a crash mid-Append can leave one behind).
func (l *Log) rebuildMirror() error {
	f, err := os.Open(l.jsonlPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return domain.Fatal("runhistory.rebuildMirror", "", fmt.Errorf("open %s: %w", l.jsonlPath, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed line — tolerate and move on
		}
		if err := l.upsert(rec); err != nil {
			continue
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

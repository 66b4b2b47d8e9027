// Package checkpoint implements C8: atomic, append-only snapshots of every
// stream's sequencer state. A checkpoint is never overwritten in place —
// each one gets its own UUID-named file, written via the standard
// temp-file-then-rename pattern so a crash mid-write can never leave a
// truncated checkpoint behind.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qtsw/matrixcore/internal/domain"
)

// Store manages checkpoint files under a single directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.Fatal("checkpoint.New", "", fmt.Errorf("create checkpoint dir %s: %w", dir, err))
	}
	return &Store{dir: dir}, nil
}

type fileFormat struct {
	CheckpointID   string                         `json:"checkpoint_id"`
	CheckpointDate string                         `json:"checkpoint_date"`
	CreatedAt      time.Time                      `json:"created_at"`
	Streams        map[string]sequencerStateJSON `json:"streams"`
}

type sequencerStateJSON struct {
	CurrentTime    string         `json:"current_time"`
	CurrentSession string         `json:"current_session"`
	Histories      map[string][]int `json:"histories"`
}

// Create snapshots cp to a new file named checkpoint_<uuid>.json and
// returns the assigned CheckpointID. cp.CheckpointID is overwritten.
func (s *Store) Create(cp domain.Checkpoint) (domain.Checkpoint, error) {
	cp.CheckpointID = uuid.New().String()

	ff := fileFormat{
		CheckpointID:   cp.CheckpointID,
		CheckpointDate: cp.CheckpointDate,
		CreatedAt:      cp.CreatedAt,
		Streams:        make(map[string]sequencerStateJSON, len(cp.Streams)),
	}
	for stream, st := range cp.Streams {
		hist := make(map[string][]int, len(st.Histories))
		for t, h := range st.Histories {
			hist[t] = h.Scores()
		}
		ff.Streams[stream] = sequencerStateJSON{
			CurrentTime:    st.CurrentTime,
			CurrentSession: string(st.CurrentSession),
			Histories:      hist,
		}
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return domain.Checkpoint{}, domain.Fatal("checkpoint.Create", "", fmt.Errorf("marshal: %w", err))
	}

	name := fmt.Sprintf("checkpoint_%s.json", cp.CheckpointID)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.Checkpoint{}, domain.Fatal("checkpoint.Create", "", fmt.Errorf("write temp: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.Checkpoint{}, domain.Fatal("checkpoint.Create", "", fmt.Errorf("rename: %w", err))
	}
	return cp, nil
}

// List returns metadata for every checkpoint in the store, newest first.
func (s *Store) List() ([]domain.CheckpointMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, domain.Fatal("checkpoint.List", "", fmt.Errorf("read dir %s: %w", s.dir, err))
	}

	var metas []domain.CheckpointMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cp, err := s.readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// malformed checkpoint file, skip rather than abort a listing
			slog.Warn("checkpoint: skipping unreadable checkpoint file", "file", e.Name(), "err", err)
			continue
		}
		metas = append(metas, domain.CheckpointMeta{
			CheckpointID:   cp.CheckpointID,
			CheckpointDate: cp.CheckpointDate,
			CreatedAt:      cp.CreatedAt,
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CheckpointDate != metas[j].CheckpointDate {
			return metas[i].CheckpointDate > metas[j].CheckpointDate
		}
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// LoadLatest returns the checkpoint with the max CheckpointDate (ties broken
// by CreatedAt), or ok=false if the store is empty.
func (s *Store) LoadLatest() (domain.Checkpoint, bool, error) {
	metas, err := s.List()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	if len(metas) == 0 {
		return domain.Checkpoint{}, false, nil
	}
	cp, err := s.readFile(filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s.json", metas[0].CheckpointID)))
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// MaxProcessedDate returns the latest CheckpointDate across all checkpoints
// in the store, or ok=false if the store is empty.
func (s *Store) MaxProcessedDate() (string, bool, error) {
	metas, err := s.List()
	if err != nil {
		return "", false, err
	}
	var max string
	for _, m := range metas {
		if m.CheckpointDate > max {
			max = m.CheckpointDate
		}
	}
	return max, max != "", nil
}

// LoadByID returns the checkpoint with the given CheckpointID.
func (s *Store) LoadByID(checkpointID string) (domain.Checkpoint, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s.json", checkpointID))
	return s.readFile(path)
}

func (s *Store) readFile(path string) (domain.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("unmarshal %s: %w", path, err)
	}

	cp := domain.Checkpoint{
		CheckpointID:   ff.CheckpointID,
		CheckpointDate: ff.CheckpointDate,
		CreatedAt:      ff.CreatedAt,
		Streams:        make(map[string]domain.SequencerState, len(ff.Streams)),
	}
	for stream, st := range ff.Streams {
		histories := make(map[string]*domain.PerSlotHistory, len(st.Histories))
		for t, scores := range st.Histories {
			h := &domain.PerSlotHistory{}
			for _, sc := range scores {
				h.Append(sc)
			}
			histories[t] = h
		}
		cp.Streams[stream] = domain.SequencerState{
			CurrentTime:    st.CurrentTime,
			CurrentSession: domain.Session(st.CurrentSession),
			Histories:      histories,
		}
	}
	return cp, nil
}

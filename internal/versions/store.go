// Package versions persists parameter snapshots as immutable, timestamp-named
// files and maintains the single "current live" pointer.
//
// Layout under the root directory:
//
//	versions/<id>.json       snapshot
//	versions/<id>.meta.json  metadata
//	current.json             pointer
//	backups/current-<id>.json
//	pointer.log              one JSON line per pointer update
package versions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/retune/internal/atomicio"
	"github.com/sawpanic/retune/internal/tune/space"
)

// IDFormat is the UTC layout of version ids
const IDFormat = "20060102T150405.000000000Z"

// Latest selects the newest version strictly older than the current one
const Latest = "latest"

const maxIDSuffix = 1000

var (
	ErrNotFound       = errors.New("version not found")
	ErrNoCurrent      = errors.New("no current version")
	ErrNoPriorVersion = errors.New("no version older than the current one")

	// ErrPointerMoved is returned by Restore when current no longer names
	// the version the update installed
	ErrPointerMoved = errors.New("current pointer moved since the update")
)

// Snapshot is the immutable content of a version
type Snapshot struct {
	ID        string         `json:"id"`
	Params    space.Vector   `json:"params"`
	Decoded   map[string]any `json:"decoded,omitempty"`
	SpaceHash string         `json:"space_hash,omitempty"`
}

// Metadata describes where a version came from
type Metadata struct {
	RunID       string             `json:"run_id,omitempty"`
	CandidateID string             `json:"candidate_id,omitempty"`
	Source      string             `json:"source"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Reasons     []string           `json:"reasons,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Version is a snapshot with its metadata and location
type Version struct {
	Snapshot
	Metadata Metadata `json:"metadata"`
	Path     string   `json:"storage_path"`
}

// Pointer is the content of current.json
type Pointer struct {
	VersionID string    `json:"version_id"`
	Previous  string    `json:"previous,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PointerUpdate is one line of pointer.log
type PointerUpdate struct {
	Op       string    `json:"op"`
	Previous string    `json:"previous,omitempty"`
	Next     string    `json:"next"`
	Reason   string    `json:"reason,omitempty"`
	Backup   string    `json:"backup,omitempty"`
	At       time.Time `json:"at"`

	// pointer file content before the update, nil when there was none
	prevData   []byte
	restorable bool
}

// SetOptions controls a pointer update
type SetOptions struct {
	Reason   string
	NoBackup bool // skip copying the replaced pointer to backups/
}

// Store is a filesystem version store. Pointer writes are temp-file plus
// rename, so a concurrent reader sees the old or the new pointer.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// New opens or creates a store rooted at dir
func New(dir string) (*Store, error) {
	for _, sub := range []string{"versions", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &Store{root: dir, now: time.Now}, nil
}

// Root returns the store directory
func (s *Store) Root() string { return s.root }

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.root, "versions", id+".json")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.root, "versions", id+".meta.json")
}

func (s *Store) pointerPath() string { return filepath.Join(s.root, "current.json") }
func (s *Store) journalPath() string { return filepath.Join(s.root, "pointer.log") }

// Save writes a new immutable snapshot and its metadata. Colliding
// timestamps get a -N suffix.
func (s *Store) Save(snap Snapshot, meta Metadata) (*Version, error) {
	now := s.now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	base := now.Format(IDFormat)

	for n := 0; n < maxIDSuffix; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		snap.ID = id

		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		err = atomicio.CreateExclusive(s.snapshotPath(id), append(data, '\n'))
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write snapshot %s: %w", id, err)
		}

		if err := atomicio.WriteJSONAtomic(s.metaPath(id), meta); err != nil {
			return nil, fmt.Errorf("failed to write metadata for %s: %w", id, err)
		}

		log.Info().
			Str("version_id", id).
			Str("run_id", meta.RunID).
			Str("source", meta.Source).
			Msg("Saved config version")

		return &Version{Snapshot: snap, Metadata: meta, Path: s.snapshotPath(id)}, nil
	}
	return nil, fmt.Errorf("no free version id for %s", base)
}

// Get loads one version
func (s *Store) Get(id string) (*Version, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}

	var v Version
	if err := readJSON(s.snapshotPath(id), &v.Snapshot); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if err := readJSON(s.metaPath(id), &v.Metadata); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	v.Path = s.snapshotPath(id)
	return &v, nil
}

// ListVersions returns every version, newest first
func (s *Store) ListVersions() ([]Version, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(ids))
	for _, id := range ids {
		v, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// ids lists version ids newest first
func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "versions"))
	if err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Slice(ids, func(i, j int) bool { return olderThan(ids[j], ids[i]) })
	return ids, nil
}

// olderThan orders ids by timestamp, then numeric suffix
func olderThan(a, b string) bool {
	ab, an := splitID(a)
	bb, bn := splitID(b)
	if ab != bb {
		return ab < bb
	}
	return an < bn
}

func splitID(id string) (string, int) {
	i := strings.LastIndex(id, "Z-")
	if i < 0 {
		return id, 0
	}
	n, err := strconv.Atoi(id[i+2:])
	if err != nil {
		return id, 0
	}
	return id[:i+1], n
}

// Current reads the pointer
func (s *Store) Current() (*Pointer, error) {
	var p Pointer
	if err := readJSON(s.pointerPath(), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCurrent
		}
		return nil, err
	}
	if p.VersionID == "" {
		return nil, ErrNoCurrent
	}
	return &p, nil
}

// SetCurrent repoints current live at id
func (s *Store) SetCurrent(id string, opts SetOptions) (*PointerUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCurrent("set_current", id, opts)
}

// Rollback re-applies a prior version, recorded as a new pointer update
func (s *Store) Rollback(target string, opts SetOptions) (*PointerUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := target
	if target == Latest {
		cur, err := s.Current()
		if err != nil {
			return nil, err
		}
		ids, err := s.ids()
		if err != nil {
			return nil, err
		}
		id = ""
		for _, candidate := range ids {
			if olderThan(candidate, cur.VersionID) {
				id = candidate
				break
			}
		}
		if id == "" {
			return nil, fmt.Errorf("%w: current is %s", ErrNoPriorVersion, cur.VersionID)
		}
	}
	if opts.Reason == "" {
		opts.Reason = "rollback to " + target
	}
	return s.setCurrent("rollback", id, opts)
}

func (s *Store) setCurrent(op, id string, opts SetOptions) (*PointerUpdate, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}

	prevData, err := os.ReadFile(s.pointerPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read current pointer: %w", err)
	}
	var prev Pointer
	if len(prevData) > 0 {
		if err := json.Unmarshal(prevData, &prev); err != nil {
			return nil, fmt.Errorf("current pointer is unreadable: %w", err)
		}
	}

	now := s.now().UTC()
	update := &PointerUpdate{Op: op, Previous: prev.VersionID, Next: id, Reason: opts.Reason, At: now, prevData: prevData, restorable: true}

	if !opts.NoBackup && prev.VersionID != "" {
		update.Backup = filepath.Join(s.root, "backups", "current-"+prev.VersionID+".json")
		if err := atomicio.WriteFileAtomic(update.Backup, prevData, 0o644); err != nil {
			return nil, fmt.Errorf("failed to back up current pointer: %w", err)
		}
	}

	next := Pointer{VersionID: id, Previous: prev.VersionID, Reason: opts.Reason, UpdatedAt: now}
	if err := atomicio.WriteJSONAtomic(s.pointerPath(), next); err != nil {
		return nil, fmt.Errorf("failed to swap current pointer: %w", err)
	}

	line, err := json.Marshal(update)
	if err == nil {
		err = atomicio.AppendLine(s.journalPath(), line)
	}
	if err != nil {
		// an unjournaled swap cannot be audited, put the old pointer back
		if rerr := s.writePointer(prevData); rerr != nil {
			log.Error().Err(rerr).Str("version_id", prev.VersionID).Msg("Failed to restore current pointer")
		}
		return nil, fmt.Errorf("failed to journal pointer update: %w", err)
	}

	log.Info().
		Str("op", op).
		Str("version_id", id).
		Str("previous", prev.VersionID).
		Str("reason", opts.Reason).
		Msg("Current version updated")

	return update, nil
}

// Restore undoes update, leaving the pointer byte-for-byte as it was before
// it, including no pointer at all. It refuses when current has moved on.
func (s *Store) Restore(update *PointerUpdate, reason string) error {
	if update == nil || !update.restorable {
		return errors.New("pointer update carries no prior state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Current()
	switch {
	case errors.Is(err, ErrNoCurrent):
		return fmt.Errorf("%w: no current, expected %s", ErrPointerMoved, update.Next)
	case err != nil:
		return err
	case cur.VersionID != update.Next:
		return fmt.Errorf("%w: current is %s, expected %s", ErrPointerMoved, cur.VersionID, update.Next)
	}

	if err := s.writePointer(update.prevData); err != nil {
		return fmt.Errorf("failed to restore current pointer: %w", err)
	}

	undo := PointerUpdate{Op: "restore", Previous: update.Next, Next: update.Previous, Reason: reason, At: s.now().UTC()}
	line, err := json.Marshal(undo)
	if err == nil {
		err = atomicio.AppendLine(s.journalPath(), line)
	}
	if err != nil {
		log.Error().Err(err).Str("version_id", update.Previous).Msg("Restored pointer was not journaled")
	}

	log.Warn().
		Str("version_id", update.Previous).
		Str("replaced", update.Next).
		Str("reason", reason).
		Msg("Current version restored")
	return nil
}

// writePointer puts back raw pointer content; nil removes the pointer
func (s *Store) writePointer(data []byte) error {
	if len(data) > 0 {
		return atomicio.WriteFileAtomic(s.pointerPath(), data, 0o644)
	}
	if err := os.Remove(s.pointerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// History returns every pointer update, oldest first
func (s *Store) History() ([]PointerUpdate, error) {
	data, err := os.ReadFile(s.journalPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pointer log: %w", err)
	}

	var out []PointerUpdate
	sc := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var u PointerUpdate
		if err := json.Unmarshal(line, &u); err != nil {
			return nil, fmt.Errorf("pointer log line %d: %w", lineNo, err)
		}
		out = append(out, u)
	}
	return out, sc.Err()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

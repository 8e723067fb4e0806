// Package store implements the record store (spec.md §4.A): the
// append-only, per-node text logs that are the system's source of truth.
// Every mutation is a single JSON line appended to either node.jsonl
// (bullets) or meta.jsonl (votes, reviews); physical records are never
// rewritten in place.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/knowgraph/knowgraph/internal/model"
)

const (
	bulletLogName = "node.jsonl"
	metaLogName   = "meta.jsonl"
	maxIDRetries  = 10
)

// Store owns the on-disk tree of node logs rooted at Root/nodes/<slug>/.
// A Store is safe for concurrent use by multiple goroutines within one
// process; cross-process safety relies on one writer process by design
// (spec.md §5) enforced here by a file-local advisory lock per node.
type Store struct {
	root string

	mu    sync.Mutex // guards locks map
	locks map[string]*flock.Flock

	writeMu sync.Mutex // serializes writers within this process
}

// New returns a Store rooted at <root>/nodes.
func New(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*flock.Flock),
	}
}

// Root returns the record tree root directory passed to New.
func (s *Store) Root() string { return s.root }

func (s *Store) nodeDir(slug string) string {
	return filepath.Join(s.root, "nodes", slug)
}

func (s *Store) bulletLogPath(slug string) string {
	return filepath.Join(s.nodeDir(slug), bulletLogName)
}

func (s *Store) metaLogPath(slug string) string {
	return filepath.Join(s.nodeDir(slug), metaLogName)
}

// lockFor returns the advisory file lock guarding slug's logs against
// another process; withNodeLock holds writeMu around it, serializing
// writers within this process the way a single daemon writer is expected
// to (spec.md §5).
func (s *Store) lockFor(slug string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[slug]; ok {
		return l
	}
	l := flock.New(filepath.Join(s.nodeDir(slug), ".lock"))
	s.locks[slug] = l
	return l
}

// withNodeLock creates the node directory if needed, acquires its advisory
// lock, runs fn, and releases the lock.
func (s *Store) withNodeLock(slug string, fn func() error) error {
	if err := model.ValidateSlug(slug); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSlug, err)
	}
	if err := os.MkdirAll(s.nodeDir(slug), 0o750); err != nil {
		return fmt.Errorf("creating node directory: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	l := s.lockFor(slug)
	locked, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring node lock: %w", err)
	}
	if !locked {
		return ErrWriterConflict
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}

// appendLine opens path for append, writes v as one JSON line, and fsyncs
// before closing — the same open+write+fsync shape as the teacher's
// interaction-log writer (internal/audit.Append).
func appendLine(path string, v any) error {
	// nolint:gosec // record logs are intended to be readable/shareable like a git-tracked log.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log for append: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing log: %w", err)
	}
	return f.Sync()
}

// Add appends an `add` record for a fresh bullet and returns its ID.
// Generated IDs are retried against the node's current live set on
// collision (spec.md §4.A).
func (s *Store) Add(slug, text string, kind model.BulletKind) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid bullet kind %q", kind)
	}
	var id string
	err := s.withNodeLock(slug, func() error {
		live, err := s.liveIDSet(slug)
		if err != nil {
			return err
		}
		for attempt := 0; attempt < maxIDRetries; attempt++ {
			candidate, err := newBulletID()
			if err != nil {
				return err
			}
			if _, exists := live[candidate]; exists {
				continue
			}
			rec := model.Record{Op: model.OpAdd, ID: candidate, Text: text, Kind: kind, Timestamp: time.Now().UTC()}
			if err := appendLine(s.bulletLogPath(slug), rec); err != nil {
				return err
			}
			id = candidate
			return nil
		}
		return fmt.Errorf("failed to generate unique bullet id after %d attempts", maxIDRetries)
	})
	return id, err
}

// Update appends an `update` record for an existing bullet ID. Fails with
// ErrNotFound if the ID is unknown in any node (spec.md §4.A).
func (s *Store) Update(id, text string) error {
	slug, err := s.findOwningSlug(id)
	if err != nil {
		return err
	}
	return s.withNodeLock(slug, func() error {
		rec := model.Record{Op: model.OpUpdate, ID: id, Text: text, Timestamp: time.Now().UTC()}
		return appendLine(s.bulletLogPath(slug), rec)
	})
}

// Delete appends a `delete` (tombstone) record for id.
func (s *Store) Delete(id string) error {
	slug, err := s.findOwningSlug(id)
	if err != nil {
		return err
	}
	return s.withNodeLock(slug, func() error {
		rec := model.Record{Op: model.OpDelete, ID: id, Timestamp: time.Now().UTC()}
		return appendLine(s.bulletLogPath(slug), rec)
	})
}

// Vote appends a `vote` record to slug's meta log.
func (s *Store) Vote(slug, targetID string, sign int) error {
	return s.withNodeLock(slug, func() error {
		rec := model.Record{Op: model.OpVote, TargetID: targetID, Sign: sign, Timestamp: time.Now().UTC()}
		return appendLine(s.metaLogPath(slug), rec)
	})
}

// MarkReviewed appends a `reviewed` marker record to slug's meta log,
// resetting its served-budget counter on next derived-store replay
// (spec.md §4.H).
func (s *Store) MarkReviewed(slug string) error {
	return s.withNodeLock(slug, func() error {
		rec := model.Record{Op: model.OpReviewed, Timestamp: time.Now().UTC()}
		return appendLine(s.metaLogPath(slug), rec)
	})
}

// List replays slug's bullet log and returns the live view: the latest
// non-tombstoned state per ID, in first-appearance order (spec.md §4.A).
func (s *Store) List(slug string) ([]*model.Bullet, error) {
	replayed, order, err := s.replayBulletLog(slug)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Bullet, 0, len(order))
	for _, id := range order {
		b := replayed[id]
		if b != nil && !b.Tombstoned {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListAllTombstones replays slug's bullet log and returns every ID that is
// currently tombstoned, used by the indexer to emit derived-store deletes.
func (s *Store) ListAllTombstones(slug string) ([]string, error) {
	replayed, _, err := s.replayBulletLog(slug)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, b := range replayed {
		if b.Tombstoned {
			out = append(out, id)
		}
	}
	return out, nil
}

// Meta replays slug's meta log into a NodeMeta: vote tallies and the most
// recent reviewed timestamp. The served-budget counter itself is NOT part
// of this replay — per spec.md §4.H it lives only in the derived store and
// survives a reindex; only a `reviewed` record clears it there.
func (s *Store) Meta(slug string) (*model.NodeMeta, error) {
	meta := &model.NodeMeta{Slug: slug, Votes: make(map[string]model.VoteTally)}
	path := s.metaLogPath(slug)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening meta log: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Parse policy: unparseable lines are skipped, never fatal (spec.md §4.A).
			continue
		}
		switch rec.Op {
		case model.OpVote:
			t := meta.Votes[rec.TargetID]
			switch {
			case rec.Sign > 0:
				t.Useful++
			case rec.Sign < 0:
				t.Harmful++
			}
			meta.Votes[rec.TargetID] = t
		case model.OpReviewed:
			meta.ClearedAt = rec.Timestamp
		default:
			// Unknown op: preserved on disk, ignored for the live view (forward-compat).
		}
	}
	return meta, nil
}

// replayBulletLog replays slug's bullet log into a map of ID -> live bullet
// state (including tombstoned entries, so callers can diff) plus the
// first-appearance order of IDs.
func (s *Store) replayBulletLog(slug string) (map[string]*model.Bullet, []string, error) {
	result := make(map[string]*model.Bullet)
	var order []string

	path := s.bulletLogPath(slug)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return result, order, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening node log: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // parse policy: skip, never fatal
		}
		switch rec.Op {
		case model.OpAdd:
			if _, seen := result[rec.ID]; !seen {
				order = append(order, rec.ID)
			}
			result[rec.ID] = &model.Bullet{
				ID:        rec.ID,
				Slug:      slug,
				Text:      rec.Text,
				Kind:      rec.Kind,
				CreatedAt: rec.Timestamp,
				UpdatedAt: rec.Timestamp,
			}
		case model.OpUpdate:
			if b, ok := result[rec.ID]; ok && !b.Tombstoned {
				b.Text = rec.Text
				b.UpdatedAt = rec.Timestamp
			}
		case model.OpDelete:
			if b, ok := result[rec.ID]; ok {
				b.Tombstoned = true
				b.UpdatedAt = rec.Timestamp
			} else {
				// Tombstone for an ID we haven't seen an add for yet (shouldn't
				// happen in a well-formed log, but a tombstoned ID must never be
				// resurrected -- record it as a dead stub).
				if _, seen := result[rec.ID]; !seen {
					order = append(order, rec.ID)
				}
				result[rec.ID] = &model.Bullet{ID: rec.ID, Slug: slug, Tombstoned: true, UpdatedAt: rec.Timestamp}
			}
		default:
			// Unknown op: forward-compat, ignored for the live view.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading node log: %w", err)
	}
	return result, order, nil
}

// liveIDSet returns the set of IDs currently present (live or tombstoned) in
// slug's log, used to avoid collisions when generating a fresh ID.
func (s *Store) liveIDSet(slug string) (map[string]struct{}, error) {
	replayed, _, err := s.replayBulletLog(slug)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(replayed))
	for id := range replayed {
		set[id] = struct{}{}
	}
	return set, nil
}

// findOwningSlug scans every node directory for one whose log contains id.
// Update/Delete take a bare bullet ID (spec.md §4.A), so the owning node
// must be discovered by walking the tree once.
func (s *Store) findOwningSlug(id string) (string, error) {
	nodesDir := filepath.Join(s.root, "nodes")
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading nodes directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		replayed, _, err := s.replayBulletLog(e.Name())
		if err != nil {
			continue
		}
		if _, ok := replayed[id]; ok {
			return e.Name(), nil
		}
	}
	return "", ErrNotFound
}

// Slugs lists every node directory currently present under the record
// tree, in directory-listing order.
func (s *Store) Slugs() ([]string, error) {
	nodesDir := filepath.Join(s.root, "nodes")
	entries, err := os.ReadDir(nodesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading nodes directory: %w", err)
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}

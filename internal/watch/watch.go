// Package watch implements the watcher (spec.md §4.C): the sole process
// responsible for turning record-store changes into derived-store writes.
// It watches the node tree for filesystem changes, falls back to polling
// when fsnotify is unavailable, and reindexes affected nodes with
// exponential backoff on persistent failure.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/knowgraph/knowgraph/internal/index"
)

// Logger is the minimal logging surface the watcher needs; internal/logging.Logger
// implements it.
type Logger interface {
	Logf(format string, args ...any)
}

const (
	pollInterval   = 5 * time.Second
	debounceWindow = 100 * time.Millisecond
	healthInterval = 60 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// CalibrationTrigger wires the write-volume auto-calibration trigger
// (spec.md §4.C: "when the fraction [of bullets touched since the last
// calibration] exceeds its configured value ... calibrate again before the
// next query"). A zero-value CalibrationTrigger (Run == nil) disables the
// trigger entirely; the watcher then only reindexes.
type CalibrationTrigger struct {
	// Threshold is the touched/total fraction that must be exceeded to
	// fire Run. The spec's default is 0.05.
	Threshold float64
	// LiveBullets returns how many live bullets slug currently has, used
	// to grow the touched counter after each successful reindex.
	LiveBullets func(ctx context.Context, slug string) (int64, error)
	// TotalBullets returns the total bullet count across every node, the
	// fraction's denominator.
	TotalBullets func(ctx context.Context) (int64, error)
	// Run invokes the calibrator. Errors are logged, not fatal.
	Run func(ctx context.Context) error
}

func (c CalibrationTrigger) enabled() bool {
	return c.Run != nil && c.Threshold > 0 && c.LiveBullets != nil && c.TotalBullets != nil
}

// Watcher owns the fsnotify (or polling) watch over <root>/nodes and drives
// reindexing through an Indexer as changes are observed.
type Watcher struct {
	root       string
	indexer    *index.Indexer
	log        Logger
	statusPath string
	calib      CalibrationTrigger

	fsw         *fsnotify.Watcher
	pollingMode bool
	debouncer   *Debouncer

	mu             sync.Mutex
	dirty          map[string]struct{}
	lastReindexAt  time.Time
	lastError      string
	touchedBullets int64

	watchedDirs map[string]struct{}

	startedAt time.Time
}

// Status is the JSON shape written to the status file on every health tick
// (spec.md §4.C), grounded on the teacher's daemon status report idiom.
type Status struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Mode          string    `json:"mode"` // "fsnotify" or "polling"
	LastReindexAt time.Time `json:"last_reindex_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// New returns a Watcher over <root>/nodes, writing status to statusPath.
// calib wires the optional write-volume auto-calibration trigger; its zero
// value disables the trigger.
func New(root string, ix *index.Indexer, log Logger, statusPath string, calib CalibrationTrigger) *Watcher {
	return &Watcher{
		root:        root,
		indexer:     ix,
		log:         log,
		statusPath:  statusPath,
		calib:       calib,
		dirty:       make(map[string]struct{}),
		watchedDirs: make(map[string]struct{}),
	}
}

// Run starts the watch loop and blocks until ctx is canceled or SIGTERM
// arrives, then flushes the dirty set once more before returning (spec.md
// §4.C). reloadFn is invoked on SIGHUP; the watcher itself re-reads no
// configuration, so what a SIGHUP reloads is whatever reloadFn does.
func (w *Watcher) Run(ctx context.Context, reloadFn func()) error {
	w.startedAt = time.Now().UTC()
	w.debouncer = NewDebouncer(debounceWindow, func() { w.flushDirty(ctx) })

	nodesDir := filepath.Join(w.root, "nodes")
	if err := os.MkdirAll(nodesDir, 0o750); err != nil {
		return fmt.Errorf("creating nodes directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Logf("fsnotify unavailable (%v), falling back to polling mode", err)
		w.pollingMode = true
	} else {
		w.fsw = fsw
		if err := w.watchTree(nodesDir); err != nil {
			w.log.Logf("failed to establish recursive watch (%v), falling back to polling mode", err)
			_ = fsw.Close()
			w.fsw = nil
			w.pollingMode = true
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	if w.pollingMode {
		go func() { defer wg.Done(); w.runPolling(runCtx, nodesDir) }()
	} else {
		go func() { defer wg.Done(); w.runFsnotify(runCtx, nodesDir) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); w.runSignals(runCtx, cancel, reloadFn) }()

	wg.Add(1)
	go func() { defer wg.Done(); w.runStatusTicker(runCtx) }()

	<-runCtx.Done()
	w.debouncer.Cancel()
	// runCtx is already canceled here, so the final flush runs under a
	// context detached from it and bounded by maxBackoff -- a best-effort
	// final attempt, not an indefinite retry, so shutdown never hangs
	// waiting for a persistently failing node.
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), maxBackoff)
	w.flushDirty(flushCtx)
	flushCancel()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	wg.Wait()
	return nil
}

// watchTree adds watches for nodesDir and every existing node subdirectory.
func (w *Watcher) watchTree(nodesDir string) error {
	if err := w.fsw.Add(nodesDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			dir := filepath.Join(nodesDir, e.Name())
			if err := w.fsw.Add(dir); err == nil {
				w.watchedDirs[dir] = struct{}{}
			}
		}
	}
	return nil
}

func (w *Watcher) runFsnotify(ctx context.Context, nodesDir string) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(nodesDir, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Logf("watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(nodesDir string, event fsnotify.Event) {
	dir := filepath.Dir(event.Name)

	// A new node directory: start watching it too.
	if dir == nodesDir && event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.fsw.Add(event.Name); err == nil {
				w.watchedDirs[event.Name] = struct{}{}
			}
		}
		return
	}

	if dir == nodesDir {
		return
	}

	slug := filepath.Base(dir)
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.markDirty(slug)
	w.debouncer.Trigger()
}

func (w *Watcher) runPolling(ctx context.Context, nodesDir string) {
	mtimes := make(map[string]time.Time)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			entries, err := os.ReadDir(nodesDir)
			if err != nil {
				w.log.Logf("polling error: %v", err)
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				slug := e.Name()
				logPath := filepath.Join(nodesDir, slug, "node.jsonl")
				metaPath := filepath.Join(nodesDir, slug, "meta.jsonl")
				latest := latestModTime(logPath, metaPath)
				if latest.After(mtimes[slug]) {
					mtimes[slug] = latest
					w.markDirty(slug)
				}
			}
			w.debouncer.Trigger()
		case <-ctx.Done():
			return
		}
	}
}

func latestModTime(paths ...string) time.Time {
	var latest time.Time
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return latest
}

func (w *Watcher) markDirty(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty[slug] = struct{}{}
}

// flushDirty reindexes every node marked dirty since the last flush. A
// reindex failure is retried with exponential backoff (capped at
// maxBackoff) rather than dropping the change on the floor.
func (w *Watcher) flushDirty(ctx context.Context) {
	w.mu.Lock()
	slugs := make([]string, 0, len(w.dirty))
	for slug := range w.dirty {
		slugs = append(slugs, slug)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	for _, slug := range slugs {
		w.reindexWithRetry(ctx, slug)
	}

	w.mu.Lock()
	w.lastReindexAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Watcher) reindexWithRetry(ctx context.Context, slug string) {
	backoff := initialBackoff
	for {
		err := w.indexer.ReindexNode(ctx, slug)
		if err == nil {
			w.mu.Lock()
			w.lastError = ""
			w.mu.Unlock()
			w.trackTouched(ctx, slug)
			return
		}
		w.log.Logf("reindex of %s failed (retrying in %v): %v", slug, backoff, err)
		w.mu.Lock()
		w.lastError = err.Error()
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// trackTouched grows the touched-bullet counter by slug's live bullet count
// and fires an out-of-cycle calibration run once touched/total exceeds
// calib.Threshold (spec.md §4.C). The counter resets on every fire so the
// trigger measures volume since the *last* calibration, not since startup.
func (w *Watcher) trackTouched(ctx context.Context, slug string) {
	if !w.calib.enabled() {
		return
	}

	n, err := w.calib.LiveBullets(ctx, slug)
	if err != nil {
		w.log.Logf("auto-calibrate: counting live bullets for %s: %v", slug, err)
		return
	}

	w.mu.Lock()
	w.touchedBullets += n
	touched := w.touchedBullets
	w.mu.Unlock()

	total, err := w.calib.TotalBullets(ctx)
	if err != nil {
		w.log.Logf("auto-calibrate: counting total bullets: %v", err)
		return
	}
	if total == 0 || float64(touched)/float64(total) <= w.calib.Threshold {
		return
	}

	w.mu.Lock()
	w.touchedBullets = 0
	w.mu.Unlock()

	if err := w.calib.Run(ctx); err != nil {
		w.log.Logf("auto-calibrate: calibration run: %v", err)
	}
}

func (w *Watcher) runStatusTicker(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	w.writeStatus()
	for {
		select {
		case <-ticker.C:
			w.writeStatus()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) writeStatus() {
	if w.statusPath == "" {
		return
	}
	mode := "fsnotify"
	if w.pollingMode {
		mode = "polling"
	}
	w.mu.Lock()
	st := Status{
		PID:           os.Getpid(),
		StartedAt:     w.startedAt,
		Mode:          mode,
		LastReindexAt: w.lastReindexAt,
		LastError:     w.lastError,
	}
	w.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		w.log.Logf("marshaling status: %v", err)
		return
	}
	tmp := w.statusPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.log.Logf("writing status file: %v", err)
		return
	}
	if err := os.Rename(tmp, w.statusPath); err != nil {
		w.log.Logf("renaming status file: %v", err)
	}
}

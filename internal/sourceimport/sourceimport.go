// Package sourceimport ingests the sources[] entries from beads.toml
// (§6): files under a configured path become bullets on a synthetic node
// prefixed `_doc-`, one node per file, kept in sync on every Sync call.
package sourceimport

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knowgraph/knowgraph/internal/config"
	"github.com/knowgraph/knowgraph/internal/model"
	"github.com/knowgraph/knowgraph/internal/store"
)

// Logger is the Logf shape shared by internal/watch, internal/rpc,
// internal/embed and internal/logging.
type Logger interface {
	Logf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any) {}

// Importer syncs configured file sources into the record store as
// `_doc-`-prefixed synthetic nodes.
type Importer struct {
	records *store.Store
	sources []config.SourceConfig
	logger  Logger
}

// New returns an Importer for sources, writing into records.
func New(records *store.Store, sources []config.SourceConfig, logger Logger) *Importer {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Importer{records: records, sources: sources, logger: logger}
}

// Sync walks every configured source, upserting a bullet for each matched
// file and tombstoning the bullets of nodes whose files are no longer
// present (the node directories themselves remain). It keeps going on
// a per-source failure, returning a joined error so one bad source path
// doesn't block the rest (spec.md §7: failures are reported, not fatal).
func (im *Importer) Sync(ctx context.Context) error {
	var errs []error
	for _, src := range im.sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := im.syncSource(src); err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", src.Name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}
	return joined
}

func (im *Importer) syncSource(src config.SourceConfig) error {
	if _, err := os.Stat(src.Path); err != nil {
		return fmt.Errorf("stat %s: %w", src.Path, err)
	}

	tracked, err := trackedFiles(src)
	if err != nil {
		return err
	}

	seenSlugs := make(map[string]struct{})
	err = filepath.WalkDir(src.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(src.Path, path)
		if err != nil {
			return err
		}
		if !matches(rel, src, tracked) {
			return nil
		}

		text, err := os.ReadFile(path)
		if err != nil {
			im.logger.Logf("sourceimport: skipping %s: %v", path, err)
			return nil
		}

		slug := docSlug(src.Name, rel)
		seenSlugs[slug] = struct{}{}
		if err := im.upsertDoc(slug, string(text)); err != nil {
			im.logger.Logf("sourceimport: upserting %s: %v", slug, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", src.Path, err)
	}

	return im.cleanupOrphans(src.Name, seenSlugs)
}

// upsertDoc writes text as the sole bullet on slug, adding it on first
// sight and updating in place when the content changed.
func (im *Importer) upsertDoc(slug, text string) error {
	existing, err := im.records.List(slug)
	if err != nil {
		return fmt.Errorf("listing %s: %w", slug, err)
	}
	if len(existing) == 0 {
		_, err := im.records.Add(slug, text, model.KindNote)
		return err
	}
	if existing[0].Text == text {
		return nil
	}
	return im.records.Update(existing[0].ID, text)
}

// cleanupOrphans tombstones every live bullet of the `_doc-<sourceName>-*`
// nodes no longer produced by this sync pass, matching the teacher pack's orphan-cleanup-on-reindex
// idiom (other_examples' vector_store.go cleanupOrphanedDocuments).
func (im *Importer) cleanupOrphans(sourceName string, seenSlugs map[string]struct{}) error {
	slugs, err := im.records.Slugs()
	if err != nil {
		return fmt.Errorf("listing slugs: %w", err)
	}
	prefix := docSlugPrefix(sourceName)
	for _, slug := range slugs {
		if !strings.HasPrefix(slug, prefix) {
			continue
		}
		if _, ok := seenSlugs[slug]; ok {
			continue
		}
		bullets, err := im.records.List(slug)
		if err != nil {
			return fmt.Errorf("listing orphaned node %s: %w", slug, err)
		}
		for _, b := range bullets {
			if err := im.records.Delete(b.ID); err != nil {
				return fmt.Errorf("deleting orphaned bullet %s: %w", b.ID, err)
			}
		}
	}
	return nil
}

// matches reports whether rel should be ingested: included by src's
// include globs (or all files, when unset), not excluded, and tracked by
// git when UseGit is set.
func matches(rel string, src config.SourceConfig, tracked map[string]bool) bool {
	if src.UseGit && !tracked[rel] {
		return false
	}
	if len(src.Include) > 0 && !matchesAny(rel, src.Include) {
		return false
	}
	if matchesAny(rel, src.Exclude) {
		return false
	}
	return true
}

func matchesAny(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// trackedFiles returns the set of paths (relative to src.Path) git tracks,
// when src.UseGit is set; nil otherwise.
func trackedFiles(src config.SourceConfig) (map[string]bool, error) {
	if !src.UseGit {
		return nil, nil
	}
	cmd := exec.Command("git", "-C", src.Path, "ls-files") // #nosec G204 - path from project config
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-files in %s: %w", src.Path, err)
	}
	tracked := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			tracked[filepath.FromSlash(line)] = true
		}
	}
	return tracked, nil
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// docSlugPrefix is the reserved node-slug prefix for sourceName's synthetic
// nodes (model.ValidateSlug's `_doc-` carve-out, spec.md §6).
func docSlugPrefix(sourceName string) string {
	return "_doc-" + sanitizeSlugPart(sourceName) + "-"
}

// docSlug derives a stable, grammar-valid slug from a source name and a
// file's path relative to that source's root.
func docSlug(sourceName, relPath string) string {
	return docSlugPrefix(sourceName) + sanitizeSlugPart(relPath)
}

func sanitizeSlugPart(s string) string {
	s = strings.ToLower(filepath.ToSlash(s))
	s = slugSanitizer.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "x"
	}
	return s
}

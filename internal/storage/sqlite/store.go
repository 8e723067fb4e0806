package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/knowgraph/knowgraph/internal/model"
)

// UpsertBullet writes or replaces bullets row for b. Triggers on the
// bullets table keep bullets_fts in sync.
func (s *Store) UpsertBullet(ctx context.Context, b *model.Bullet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bullets (id, slug, text, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			kind = excluded.kind,
			updated_at = excluded.updated_at
	`, b.ID, b.Slug, b.Text, string(b.Kind), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting bullet %s: %w", b.ID, err)
	}
	return nil
}

// DeleteBullet removes id from the bullets mirror (cascading to backlinks
// and embeddings) and from the keyword index via trigger.
func (s *Store) DeleteBullet(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bullets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting bullet %s: %w", id, err)
	}
	return nil
}

// IndexedIDs returns every bullet ID currently mirrored for slug, used by
// the indexer to diff against the record store's live set.
func (s *Store) IndexedIDs(ctx context.Context, slug string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM bullets WHERE slug = ?`, slug)
	if err != nil {
		return nil, fmt.Errorf("listing indexed ids for %s: %w", slug, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ReplaceBacklinks replaces every backlink row sourced from fromBulletID.
func (s *Store) ReplaceBacklinks(ctx context.Context, fromBulletID, fromSlug string, toSlugs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning backlink transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backlinks WHERE from_bullet_id = ?`, fromBulletID); err != nil {
		return fmt.Errorf("clearing backlinks for %s: %w", fromBulletID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO backlinks (from_bullet_id, from_slug, to_slug) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing backlink insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, to := range toSlugs {
		if _, err := stmt.ExecContext(ctx, fromBulletID, fromSlug, to); err != nil {
			return fmt.Errorf("inserting backlink %s -> %s: %w", fromBulletID, to, err)
		}
	}
	return tx.Commit()
}

// BacklinkSlugs returns the distinct slugs that link to target, most
// recently indexed first, used to build the Explore hint (spec.md §4.G).
func (s *Store) BacklinkSlugs(ctx context.Context, target string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_slug FROM backlinks WHERE to_slug = ?
		GROUP BY from_slug ORDER BY MAX(rowid) DESC LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backlinks for %s: %w", target, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

// UpsertEmbedding stores a bullet's vector, pinned to the content hash it
// was computed from (spec.md §4.D).
func (s *Store) UpsertEmbedding(ctx context.Context, bulletID, modelID, contentHash string, dim int, vector []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (bullet_id, model_id, content_hash, dim, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bullet_id) DO UPDATE SET
			model_id = excluded.model_id,
			content_hash = excluded.content_hash,
			dim = excluded.dim,
			vector = excluded.vector,
			updated_at = excluded.updated_at
	`, bulletID, modelID, contentHash, dim, vector, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting embedding for %s: %w", bulletID, err)
	}
	return nil
}

// CachedEmbedding returns a previously computed vector for (modelID,
// contentHash) regardless of which bullet produced it, or sql.ErrNoRows if
// the provider hasn't been asked to embed this exact text before (spec.md
// §4.D's content-addressed cache).
func (s *Store) CachedEmbedding(ctx context.Context, modelID, contentHash string) (dim int, vector []byte, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT dim, vector FROM embedding_cache WHERE model_id = ? AND content_hash = ?
	`, modelID, contentHash).Scan(&dim, &vector)
	return dim, vector, err
}

// PutCachedEmbedding stores a freshly computed vector in the content-
// addressed cache.
func (s *Store) PutCachedEmbedding(ctx context.Context, modelID, contentHash string, dim int, vector []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (model_id, content_hash, dim, vector, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model_id, content_hash) DO NOTHING
	`, modelID, contentHash, dim, vector, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("caching embedding: %w", err)
	}
	return nil
}

// EmbeddingContentHash returns the content hash the stored embedding for id
// was computed from, or sql.ErrNoRows if none exists. The embedding service
// uses this to skip re-embedding unchanged text.
func (s *Store) EmbeddingContentHash(ctx context.Context, bulletID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM embeddings WHERE bullet_id = ?`, bulletID).Scan(&hash)
	return hash, err
}

// AllEmbeddings streams every stored embedding, used to populate the
// in-memory vector index on startup or after a reindex (spec.md §4.E).
func (s *Store) AllEmbeddings(ctx context.Context) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, `SELECT bullet_id, dim, vector FROM embeddings`)
}

// BulletVector returns the stored embedding vector for bulletID, used by
// the calibration sampler to drive the vector channel without a live
// embedding provider call (spec.md §4.F).
func (s *Store) BulletVector(ctx context.Context, bulletID string) ([]byte, error) {
	var vec []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE bullet_id = ?`, bulletID).Scan(&vec)
	return vec, err
}

// KeywordCandidate is one row returned by a keyword search.
type KeywordCandidate struct {
	BulletID string
	Slug     string
	Text     string
	BM25     float64
}

// SearchKeyword runs an FTS5 MATCH query and returns candidates ordered by
// BM25 (more negative is a better match, per SQLite's bm25() convention;
// callers should negate before treating it as "higher is better").
func (s *Store) SearchKeyword(ctx context.Context, ftsQuery string, limit int) ([]KeywordCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.slug, b.text, bm25(bullets_fts) AS score
		FROM bullets_fts
		JOIN bullets b ON b.rowid = bullets_fts.rowid
		WHERE bullets_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeywordCandidate
	for rows.Next() {
		var c KeywordCandidate
		if err := rows.Scan(&c.BulletID, &c.Slug, &c.Text, &c.BM25); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BulletsByID loads the bullets named by ids, used by the hybrid ranker to
// fetch text/slug for candidates that only the vector channel surfaced.
// Missing IDs are silently omitted.
func (s *Store) BulletsByID(ctx context.Context, ids []string) (map[string]*model.Bullet, error) {
	out := make(map[string]*model.Bullet, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT id, slug, text, kind, created_at, updated_at FROM bullets WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading bullets by id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		b := &model.Bullet{}
		var kind string
		if err := rows.Scan(&b.ID, &b.Slug, &b.Text, &kind, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Kind = model.BulletKind(kind)
		out[b.ID] = b
	}
	return out, rows.Err()
}

// RandomBulletSample picks up to n nodes at random and returns one
// canonical bullet for each (the node's earliest-mirrored bullet), used by
// the calibrator to sample score distributions (spec.md §4.F).
func (s *Store) RandomBulletSample(ctx context.Context, n int) ([]*model.Bullet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, text, kind, created_at, updated_at
		FROM bullets
		WHERE rowid IN (SELECT MIN(rowid) FROM bullets GROUP BY slug)
		ORDER BY RANDOM() LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("sampling bullets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Bullet
	for rows.Next() {
		b := &model.Bullet{}
		var kind string
		if err := rows.Scan(&b.ID, &b.Slug, &b.Text, &kind, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Kind = model.BulletKind(kind)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveCalibration persists a channel's breakpoints.
func (s *Store) SaveCalibration(ctx context.Context, channel string, points [7]float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration (channel, p0, p10, p25, p50, p75, p90, p100, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			p0 = excluded.p0, p10 = excluded.p10, p25 = excluded.p25, p50 = excluded.p50,
			p75 = excluded.p75, p90 = excluded.p90, p100 = excluded.p100, sampled_at = excluded.sampled_at
	`, channel, points[0], points[1], points[2], points[3], points[4], points[5], points[6], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving calibration for %s: %w", channel, err)
	}
	return nil
}

// LoadCalibration loads a channel's breakpoints and when they were sampled.
// Returns sql.ErrNoRows if the channel has never been calibrated.
func (s *Store) LoadCalibration(ctx context.Context, channel string) ([7]float64, time.Time, error) {
	var points [7]float64
	var sampledAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT p0, p10, p25, p50, p75, p90, p100, sampled_at FROM calibration WHERE channel = ?
	`, channel).Scan(&points[0], &points[1], &points[2], &points[3], &points[4], &points[5], &points[6], &sampledAt)
	return points, sampledAt, err
}

// AddServedChars adds delta to slug's served-budget counter (spec.md §4.H).
func (s *Store) AddServedChars(ctx context.Context, slug string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_budget (slug, served_chars) VALUES (?, ?)
		ON CONFLICT(slug) DO UPDATE SET served_chars = served_chars + excluded.served_chars
	`, slug, delta)
	if err != nil {
		return fmt.Errorf("adding served chars for %s: %w", slug, err)
	}
	return nil
}

// ServedChars returns slug's current served-budget counter.
func (s *Store) ServedChars(ctx context.Context, slug string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT served_chars FROM node_budget WHERE slug = ?`, slug).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// ResetServedChars zeroes slug's served-budget counter, called when the
// indexer replays a `reviewed` record (spec.md §4.H). A reviewed record
// whose clearedAt is already stored has been applied, so the counter is
// left as it is and budget served since that review survives the reindex.
func (s *Store) ResetServedChars(ctx context.Context, slug string, clearedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_budget (slug, served_chars, cleared_at) VALUES (?, 0, ?)
		ON CONFLICT(slug) DO UPDATE SET served_chars = 0, cleared_at = excluded.cleared_at
		WHERE node_budget.cleared_at IS NOT excluded.cleared_at
	`, slug, clearedAt)
	if err != nil {
		return fmt.Errorf("resetting served chars for %s: %w", slug, err)
	}
	return nil
}

// LiveBulletCount returns the number of live (non-tombstoned) bullets
// mirrored for slug, the denominator of the budget-flag ratio (spec.md §4.H).
func (s *Store) LiveBulletCount(ctx context.Context, slug string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bullets WHERE slug = ?`, slug).Scan(&n)
	return n, err
}

// TotalBulletCount returns the number of bullets mirrored across every
// node, the denominator of the watcher's auto-calibrate write-volume
// fraction (spec.md §4.C).
func (s *Store) TotalBulletCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bullets`).Scan(&n)
	return n, err
}

// MarkServed records that bullet was served within session, used for the
// dedup/boost pass on the next query from the same session (spec.md §4.G).
func (s *Store) MarkServed(ctx context.Context, sessionID, bulletID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_served (session_id, bullet_id, served_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id, bullet_id) DO UPDATE SET served_at = excluded.served_at
	`, sessionID, bulletID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking %s served for session %s: %w", bulletID, sessionID, err)
	}
	return nil
}

// ServedSince returns the set of bullet IDs served to session at or after
// cutoff, used by the hybrid ranker to drop bullets already served in the
// session.
func (s *Store) ServedSince(ctx context.Context, sessionID string, cutoff time.Time) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bullet_id FROM session_served WHERE session_id = ? AND served_at >= ?
	`, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing served ids for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ServedSlugsSince returns the set of node slugs that contributed any
// bullet served to session at or after cutoff, used by the hybrid ranker
// to apply the 1.3x session node-recency boost (spec.md §4.G stage 5).
func (s *Store) ServedSlugsSince(ctx context.Context, sessionID string, cutoff time.Time) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT b.slug
		FROM session_served ss
		JOIN bullets b ON b.id = ss.bullet_id
		WHERE ss.session_id = ? AND ss.served_at >= ?
	`, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing served slugs for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out[slug] = struct{}{}
	}
	return out, rows.Err()
}

// PruneServedBefore deletes session_served rows older than cutoff, keeping
// the TTL bookkeeping table from growing unbounded.
func (s *Store) PruneServedBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_served WHERE served_at < ?`, cutoff)
	return err
}

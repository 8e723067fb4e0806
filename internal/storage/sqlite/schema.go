package sqlite

// schemaVersion is bumped whenever the derived schema changes shape. The
// derived store holds nothing that isn't reproducible from the record
// store, so a version mismatch is resolved by dropping and rebuilding
// rather than by writing incremental column migrations (spec.md §4.I).
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Mirror of the live bullet view, one row per non-tombstoned bullet.
-- Rebuilt from the record store by the indexer; nothing else writes here.
CREATE TABLE IF NOT EXISTS bullets (
    id         TEXT PRIMARY KEY,
    slug       TEXT NOT NULL,
    text       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bullets_slug ON bullets(slug);

-- Keyword index (spec.md §4.B, §4.G). External-content FTS5 table keyed to
-- bullets.rowid so the indexer can upsert/delete incrementally without
-- re-tokenizing the whole corpus.
CREATE VIRTUAL TABLE IF NOT EXISTS bullets_fts USING fts5(
    text,
    content='bullets',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS bullets_ai AFTER INSERT ON bullets BEGIN
    INSERT INTO bullets_fts(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TRIGGER IF NOT EXISTS bullets_ad AFTER DELETE ON bullets BEGIN
    INSERT INTO bullets_fts(bullets_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
END;

CREATE TRIGGER IF NOT EXISTS bullets_au AFTER UPDATE ON bullets BEGIN
    INSERT INTO bullets_fts(bullets_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
    INSERT INTO bullets_fts(rowid, text) VALUES (new.rowid, new.text);
END;

-- Backlinks extracted from [[slug]] / [slug] tokens (spec.md §3, §4.B).
CREATE TABLE IF NOT EXISTS backlinks (
    from_bullet_id TEXT NOT NULL,
    from_slug      TEXT NOT NULL,
    to_slug        TEXT NOT NULL,
    PRIMARY KEY (from_bullet_id, to_slug),
    FOREIGN KEY (from_bullet_id) REFERENCES bullets(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_backlinks_to_slug ON backlinks(to_slug);
CREATE INDEX IF NOT EXISTS idx_backlinks_from_slug ON backlinks(from_slug);

-- Embeddings, content-hash-pinned so a no-op text edit never triggers a
-- re-embed (spec.md §4.D).
CREATE TABLE IF NOT EXISTS embeddings (
    bullet_id    TEXT PRIMARY KEY,
    model_id     TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    dim          INTEGER NOT NULL,
    vector       BLOB NOT NULL,
    updated_at   DATETIME NOT NULL,
    FOREIGN KEY (bullet_id) REFERENCES bullets(id) ON DELETE CASCADE
);

-- Content-addressed embedding cache, independent of which bullet(s) the
-- text lives in -- two bullets with identical text share one provider call
-- (spec.md §4.D).
CREATE TABLE IF NOT EXISTS embedding_cache (
    model_id     TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    dim          INTEGER NOT NULL,
    vector       BLOB NOT NULL,
    cached_at    DATETIME NOT NULL,
    PRIMARY KEY (model_id, content_hash)
);

-- Served-context budget per node (spec.md §4.H). Survives a reindex; only a
-- `reviewed` record (replayed by the indexer) clears it.
CREATE TABLE IF NOT EXISTS node_budget (
    slug         TEXT PRIMARY KEY,
    served_chars INTEGER NOT NULL DEFAULT 0,
    cleared_at   DATETIME
);

-- Per-channel score-calibration breakpoints (spec.md §4.F).
CREATE TABLE IF NOT EXISTS calibration (
    channel    TEXT PRIMARY KEY,
    p0         REAL NOT NULL,
    p10        REAL NOT NULL,
    p25        REAL NOT NULL,
    p50        REAL NOT NULL,
    p75        REAL NOT NULL,
    p90        REAL NOT NULL,
    p100       REAL NOT NULL,
    sampled_at DATETIME NOT NULL
);

-- Per-(session, bullet) dedup/recency-boost bookkeeping (spec.md §4.G).
CREATE TABLE IF NOT EXISTS session_served (
    session_id TEXT NOT NULL,
    bullet_id  TEXT NOT NULL,
    served_at  DATETIME NOT NULL,
    PRIMARY KEY (session_id, bullet_id)
);
`

const dropAllTables = `
DROP TABLE IF EXISTS session_served;
DROP TABLE IF EXISTS calibration;
DROP TABLE IF EXISTS node_budget;
DROP TABLE IF EXISTS embedding_cache;
DROP TABLE IF EXISTS embeddings;
DROP TABLE IF EXISTS backlinks;
DROP TRIGGER IF EXISTS bullets_au;
DROP TRIGGER IF EXISTS bullets_ad;
DROP TRIGGER IF EXISTS bullets_ai;
DROP TABLE IF EXISTS bullets_fts;
DROP TABLE IF EXISTS bullets;
DROP TABLE IF EXISTS schema_meta;
`

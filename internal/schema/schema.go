// Package schema owns the relational layout backing every value type (spec
// §3) and the idempotent migration runner that brings a fresh or existing
// database file up to the current layout. The style — CREATE TABLE/INDEX IF
// NOT EXISTS, one migration per concern, pragma_table_info probes before
// ALTER TABLE — mirrors the teacher's internal/storage/sqlite/migrations
// package.
package schema

// baseSchema is applied once, in a single transaction, by Migrate. It is
// additive-only and safe to re-run (every statement is IF NOT EXISTS), the
// same discipline the teacher's ephemeral.Store.initSchema uses for its own
// from-scratch tables.
const baseSchema = `
CREATE TABLE IF NOT EXISTS keys (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	db            INTEGER NOT NULL,
	name          BLOB NOT NULL,
	type          TEXT NOT NULL,
	expire_at     INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1,
	last_accessed INTEGER NOT NULL DEFAULT 0,
	access_count  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (db, name)
);
CREATE INDEX IF NOT EXISTS idx_keys_expire_at ON keys(expire_at) WHERE expire_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_keys_db_created ON keys(db, created_at);
CREATE INDEX IF NOT EXISTS idx_keys_last_accessed ON keys(last_accessed);
CREATE INDEX IF NOT EXISTS idx_keys_access_count ON keys(access_count);

CREATE TABLE IF NOT EXISTS strings (
	key_id INTEGER PRIMARY KEY REFERENCES keys(id) ON DELETE CASCADE,
	value  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS hashes (
	key_id INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	field  TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (key_id, field)
);

CREATE TABLE IF NOT EXISTS lists (
	key_id   INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (key_id, position)
);

CREATE TABLE IF NOT EXISTS sets (
	key_id INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	member BLOB NOT NULL,
	PRIMARY KEY (key_id, member)
);

CREATE TABLE IF NOT EXISTS zsets (
	key_id INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	member BLOB NOT NULL,
	score  REAL NOT NULL,
	PRIMARY KEY (key_id, member)
);
CREATE INDEX IF NOT EXISTS idx_zsets_order ON zsets(key_id, score, member);

CREATE TABLE IF NOT EXISTS stream_entries (
	key_id     INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	entry_ms   INTEGER NOT NULL,
	entry_seq  INTEGER NOT NULL,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (key_id, entry_ms, entry_seq)
);

CREATE TABLE IF NOT EXISTS stream_groups (
	group_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id            INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	name              TEXT NOT NULL,
	last_delivered_ms  INTEGER NOT NULL DEFAULT 0,
	last_delivered_seq INTEGER NOT NULL DEFAULT 0,
	UNIQUE (key_id, name)
);

CREATE TABLE IF NOT EXISTS stream_consumers (
	consumer_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id     INTEGER NOT NULL REFERENCES stream_groups(group_id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	last_seen_ms INTEGER NOT NULL,
	UNIQUE (group_id, name)
);

CREATE TABLE IF NOT EXISTS stream_pending (
	key_id          INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	group_id        INTEGER NOT NULL REFERENCES stream_groups(group_id) ON DELETE CASCADE,
	entry_ms        INTEGER NOT NULL,
	entry_seq       INTEGER NOT NULL,
	consumer_name   TEXT NOT NULL,
	delivered_at_ms INTEGER NOT NULL,
	delivery_count  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (group_id, entry_ms, entry_seq)
);
CREATE INDEX IF NOT EXISTS idx_stream_pending_consumer ON stream_pending(group_id, consumer_name);

CREATE TABLE IF NOT EXISTS json_docs (
	key_id   INTEGER PRIMARY KEY REFERENCES keys(id) ON DELETE CASCADE,
	document BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS key_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id     INTEGER NOT NULL,
	db         INTEGER NOT NULL,
	name       BLOB NOT NULL,
	key_type   TEXT NOT NULL,
	version_num INTEGER NOT NULL,
	operation  TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	value      BLOB,
	expire_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_key_history_key_version ON key_history(key_id, version_num);
CREATE INDEX IF NOT EXISTS idx_key_history_timestamp ON key_history(timestamp_ms);

CREATE TABLE IF NOT EXISTS history_config (
	level  TEXT NOT NULL,
	target TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	retention TEXT NOT NULL DEFAULT 'unlimited',
	PRIMARY KEY (level, target)
);

CREATE TABLE IF NOT EXISTS fts_indexes (
	name        TEXT PRIMARY KEY,
	on_type     TEXT NOT NULL,
	prefixes    TEXT NOT NULL,
	schema_json TEXT NOT NULL,
	vtab_name   TEXT NOT NULL,
	tokenizer   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fts_rowids (
	index_name TEXT NOT NULL REFERENCES fts_indexes(name) ON DELETE CASCADE,
	db         INTEGER NOT NULL,
	name       BLOB NOT NULL,
	key_id     INTEGER NOT NULL,
	rowid_val  INTEGER NOT NULL,
	PRIMARY KEY (index_name, key_id)
);

CREATE TABLE IF NOT EXISTS fts_sidecar (
	index_name TEXT NOT NULL REFERENCES fts_indexes(name) ON DELETE CASCADE,
	key_id     INTEGER NOT NULL,
	field      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	num_value  REAL,
	tag_value  TEXT,
	PRIMARY KEY (index_name, key_id, field)
);

CREATE TABLE IF NOT EXISTS vector_elements (
	key_id     INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	element    TEXT NOT NULL,
	vector     BLOB NOT NULL,
	dimensions INTEGER NOT NULL,
	quant      TEXT NOT NULL DEFAULT 'f32',
	attributes BLOB,
	PRIMARY KEY (key_id, element)
);

CREATE TABLE IF NOT EXISTS geo_elements (
	rtree_id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id  INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
	member  BLOB NOT NULL,
	lon     REAL NOT NULL,
	lat     REAL NOT NULL,
	geohash TEXT NOT NULL,
	UNIQUE (key_id, member)
);
CREATE INDEX IF NOT EXISTS idx_geo_geohash ON geo_elements(geohash);
CREATE INDEX IF NOT EXISTS idx_geo_key ON geo_elements(key_id);

-- R-tree-assisted bounding-box prefilter for GEOSEARCH (spec §4.12). Rows
-- are kept in lockstep with geo_elements by the geo engine (see
-- internal/engine/geo.go); rtree_id mirrors geo_elements.rtree_id.
CREATE VIRTUAL TABLE IF NOT EXISTS geo_rtree USING rtree(
	rtree_id,
	min_lon, max_lon,
	min_lat, max_lat
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

package metadata

// schema is the DDL applied on repository startup. Every parent/name pair
// has a unique index on (parent_id, lower(name)), matching spec §6
// ("Unique indexes on (parent_id, name_lower)"); SQLite's COLLATE NOCASE
// gives us case-insensitive uniqueness without a separate lowercased
// column.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL COLLATE NOCASE,
	status        TEXT NOT NULL,
	max_vectors   INTEGER NOT NULL DEFAULT 0,
	max_storage   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_name ON tenants(name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS databases (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL REFERENCES tenants(id),
	name          TEXT NOT NULL COLLATE NOCASE,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_databases_tenant_name ON databases(tenant_id, name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS collections (
	id              TEXT PRIMARY KEY,
	database_id     TEXT NOT NULL REFERENCES databases(id),
	name            TEXT NOT NULL COLLATE NOCASE,
	dimension       INTEGER NOT NULL,
	metric          TEXT NOT NULL,
	index_kind      TEXT NOT NULL,
	index_m         INTEGER NOT NULL DEFAULT 0,
	index_ef_cons   INTEGER NOT NULL DEFAULT 0,
	embedding_model TEXT NOT NULL DEFAULT '',
	deleted         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_collections_db_name ON collections(database_id, name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL REFERENCES tenants(id),
	username       TEXT NOT NULL COLLATE NOCASE,
	password_hash  TEXT NOT NULL,
	role           TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_tenant_username ON users(tenant_id, username COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_id    TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	target_ids  TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '',
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_timestamp ON audit_log(tenant_id, timestamp);
`

package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"go.uber.org/zap"
)

// Repository is AkiDB's transactional catalog repository, backed by an
// embedded SQLite database (spec §4.1). All mutations serialize through
// writeMu — SQLite allows one writer at a time regardless, and taking the
// lock in Go avoids SQLITE_BUSY retries on the hot path, matching the
// "single writer transaction" contract spec §4.1 describes.
type Repository struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewRepository opens (creating if absent) the SQLite database at path and
// applies the schema. path may be ":memory:" for tests.
func NewRepository(path string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	// A single physical connection avoids SQLITE_BUSY under our own
	// writeMu serialization; readers share that same connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Repository{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error { return r.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// withWriteTx runs fn inside a transaction, serialized behind writeMu, and
// rolls back on any error (spec §4.1: "Transaction rollback on any error").
func (r *Repository) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.CodeInternal, "metadata", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.CodeInternal, "metadata", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// --- Tenants ---------------------------------------------------------------

// CreateTenant creates a tenant, failing AlreadyExists on a case-insensitive
// duplicate name (spec §4.1).
func (r *Repository) CreateTenant(ctx context.Context, name string, quota Quota) (*Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, core.New(core.CodeInvalidInput, "tenant name must not be empty")
	}
	t := &Tenant{
		ID:     core.NewTenantID(),
		Name:   name,
		Status: TenantActive,
		Quota:  quota,
	}
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tenants (id, name, status, max_vectors, max_storage, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), t.Name, string(t.Status), t.Quota.MaxVectors, t.Quota.MaxStorageByte, ts, ts)
		if isUniqueViolation(err) {
			return core.Newf(core.CodeAlreadyExists, "tenant %q already exists", name)
		}
		if err != nil {
			return core.Wrap(core.CodeInternal, "tenants", err)
		}
		t.CreatedAt, t.UpdatedAt = parseTime(ts), parseTime(ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	var t Tenant
	var id, createdAt, updatedAt, status string
	if err := row.Scan(&id, &t.Name, &status, &t.Quota.MaxVectors, &t.Quota.MaxStorageByte, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := core.ParseTenantID(id)
	if err != nil {
		return nil, err
	}
	t.ID = parsed
	t.Status = TenantStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetTenant looks up a tenant by id.
func (r *Repository) GetTenant(ctx context.Context, id core.TenantID) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, status, max_vectors, max_storage, created_at, updated_at FROM tenants WHERE id = ?`,
		id.String())
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, core.Newf(core.CodeNotFound, "tenant %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "tenants", err)
	}
	return t, nil
}

// GetTenantByName looks up a tenant by case-insensitive name.
func (r *Repository) GetTenantByName(ctx context.Context, name string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, status, max_vectors, max_storage, created_at, updated_at FROM tenants WHERE name = ? COLLATE NOCASE`,
		name)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, core.Newf(core.CodeNotFound, "tenant %q not found", name)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "tenants", err)
	}
	return t, nil
}

// ListTenants returns all non-deleted tenants, ordered by name ascending
// (spec §4.1: "deterministic ordering ... by name ascending").
func (r *Repository) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, status, max_vectors, max_storage, created_at, updated_at
		 FROM tenants WHERE status != ? ORDER BY name COLLATE NOCASE ASC`, string(TenantDeleted))
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "tenants", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, core.Wrap(core.CodeInternal, "tenants", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTenantStatus transitions a tenant's status (active/suspended/deleted).
// Deletion is soft: the row is marked, not removed; a reaper reclaims
// dependent rows after a grace period (spec §3 "Lifecycle & ownership").
func (r *Repository) SetTenantStatus(ctx context.Context, id core.TenantID, status TenantStatus) error {
	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now(), id.String())
		if err != nil {
			return core.Wrap(core.CodeInternal, "tenants", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Newf(core.CodeNotFound, "tenant %s not found", id)
		}
		return nil
	})
}

// --- Databases ---------------------------------------------------------------

// CreateDatabase creates a database within a tenant, failing NotFound if
// the tenant is absent or suspended (spec §4.1).
func (r *Repository) CreateDatabase(ctx context.Context, tenantID core.TenantID, name string) (*Database, error) {
	if strings.TrimSpace(name) == "" {
		return nil, core.New(core.CodeInvalidInput, "database name must not be empty")
	}
	d := &Database{ID: core.NewDatabaseID(), TenantID: tenantID, Name: name}
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tenants WHERE id = ?`, tenantID.String()).Scan(&status)
		if err == sql.ErrNoRows {
			return core.Newf(core.CodeNotFound, "tenant %s not found", tenantID)
		}
		if err != nil {
			return core.Wrap(core.CodeInternal, "databases", err)
		}
		if status != string(TenantActive) {
			return core.Newf(core.CodeNotFound, "tenant %s is not active", tenantID)
		}

		ts := now()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO databases (id, tenant_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			d.ID.String(), tenantID.String(), name, ts, ts)
		if isUniqueViolation(err) {
			return core.Newf(core.CodeAlreadyExists, "database %q already exists in tenant %s", name, tenantID)
		}
		if err != nil {
			return core.Wrap(core.CodeInternal, "databases", err)
		}
		d.CreatedAt, d.UpdatedAt = parseTime(ts), parseTime(ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDatabase(row interface{ Scan(...interface{}) error }) (*Database, error) {
	var d Database
	var id, tenantID, createdAt, updatedAt string
	if err := row.Scan(&id, &tenantID, &d.Name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.ID, err = core.ParseDatabaseID(id); err != nil {
		return nil, err
	}
	tid, err := core.ParseTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	d.TenantID = tid
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// GetDatabase looks up a database by id.
func (r *Repository) GetDatabase(ctx context.Context, id core.DatabaseID) (*Database, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at, updated_at FROM databases WHERE id = ?`, id.String())
	d, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, core.Newf(core.CodeNotFound, "database %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "databases", err)
	}
	return d, nil
}

// ListDatabases returns a tenant's databases ordered by name ascending.
func (r *Repository) ListDatabases(ctx context.Context, tenantID core.TenantID) ([]*Database, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, created_at, updated_at FROM databases WHERE tenant_id = ? ORDER BY name COLLATE NOCASE ASC`,
		tenantID.String())
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "databases", err)
	}
	defer rows.Close()
	var out []*Database
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, core.Wrap(core.CodeInternal, "databases", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Collections ---------------------------------------------------------------

// CreateCollection validates spec and creates a collection under database
// databaseID, failing InvalidInput on a bad spec or NotFound if the
// database is absent (spec §4.1).
func (r *Repository) CreateCollection(ctx context.Context, databaseID core.DatabaseID, spec CollectionSpec) (*Collection, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, core.New(core.CodeInvalidInput, "collection name must not be empty")
	}
	if spec.Dimension <= 0 {
		return nil, core.New(core.CodeInvalidInput, "collection dimension must be positive")
	}
	if !core.ValidMetric(spec.Metric) {
		return nil, core.Newf(core.CodeInvalidInput, "unknown metric %q", spec.Metric)
	}
	switch spec.IndexKind {
	case IndexKindHNSW, IndexKindBruteForce:
	default:
		return nil, core.Newf(core.CodeInvalidInput, "unknown index kind %q", spec.IndexKind)
	}

	c := &Collection{
		ID:             core.NewCollectionID(),
		DatabaseID:     databaseID,
		Name:           spec.Name,
		Dimension:      spec.Dimension,
		Metric:         spec.Metric,
		IndexKind:      spec.IndexKind,
		IndexParams:    spec.IndexParams,
		EmbeddingModel: spec.EmbeddingModel,
	}
	err := r.withWriteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM databases WHERE id = ?`, databaseID.String()).Scan(&exists); err == sql.ErrNoRows {
			return core.Newf(core.CodeNotFound, "database %s not found", databaseID)
		} else if err != nil {
			return core.Wrap(core.CodeInternal, "collections", err)
		}

		ts := now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collections (id, database_id, name, dimension, metric, index_kind, index_m, index_ef_cons, embedding_model, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), databaseID.String(), c.Name, c.Dimension, string(c.Metric), string(c.IndexKind),
			c.IndexParams.M, c.IndexParams.EfConstruction, c.EmbeddingModel, ts, ts)
		if isUniqueViolation(err) {
			return core.Newf(core.CodeAlreadyExists, "collection %q already exists in database %s", spec.Name, databaseID)
		}
		if err != nil {
			return core.Wrap(core.CodeInternal, "collections", err)
		}
		c.CreatedAt, c.UpdatedAt = parseTime(ts), parseTime(ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanCollection(row interface{ Scan(...interface{}) error }) (*Collection, error) {
	var c Collection
	var id, databaseID, createdAt, updatedAt, metric, indexKind string
	if err := row.Scan(&id, &databaseID, &c.Name, &c.Dimension, &metric, &indexKind,
		&c.IndexParams.M, &c.IndexParams.EfConstruction, &c.EmbeddingModel, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cid, err := core.ParseCollectionID(id)
	if err != nil {
		return nil, err
	}
	c.ID = cid
	did, err := core.ParseDatabaseID(databaseID)
	if err != nil {
		return nil, err
	}
	c.DatabaseID = did
	c.Metric = core.Metric(metric)
	c.IndexKind = IndexKind(indexKind)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

const collectionColumns = `id, database_id, name, dimension, metric, index_kind, index_m, index_ef_cons, embedding_model, created_at, updated_at`

// GetCollection looks up a live (non-deleted) collection by id.
func (r *Repository) GetCollection(ctx context.Context, id core.CollectionID) (*Collection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ? AND deleted = 0`, id.String())
	c, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return nil, core.Newf(core.CodeNotFound, "collection %s not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "collections", err)
	}
	return c, nil
}

// ListCollections returns a database's live collections, name ascending.
func (r *Repository) ListCollections(ctx context.Context, databaseID core.DatabaseID) ([]*Collection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE database_id = ? AND deleted = 0 ORDER BY name COLLATE NOCASE ASC`,
		databaseID.String())
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "collections", err)
	}
	defer rows.Close()
	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, core.Wrap(core.CodeInternal, "collections", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCollection soft-deletes a collection; dependent documents are
// reclaimed asynchronously by the tiering manager's reaper (spec §3).
func (r *Repository) DeleteCollection(ctx context.Context, id core.CollectionID) error {
	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE collections SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
			now(), id.String())
		if err != nil {
			return core.Wrap(core.CodeInternal, "collections", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.Newf(core.CodeNotFound, "collection %s not found", id)
		}
		return nil
	})
}

// --- Users ---------------------------------------------------------------

// CreateUser hashes password with Argon2id and creates a user scoped to
// tenantID, failing AlreadyExists on a duplicate username (spec §4.1).
func (r *Repository) CreateUser(ctx context.Context, tenantID core.TenantID, username, password string, role UserRole) (*User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, core.New(core.CodeInvalidInput, "username must not be empty")
	}
	switch role {
	case RoleAdmin, RoleDeveloper, RoleViewer, RoleAuditor:
	default:
		return nil, core.Newf(core.CodeInvalidInput, "unknown role %q", role)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "users", err)
	}

	u := &User{ID: core.NewUserID(), TenantID: tenantID, Username: username, PasswordHash: hash, Role: role, Status: UserActive}
	err = r.withWriteTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, tenant_id, username, password_hash, role, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID.String(), tenantID.String(), username, hash, string(role), string(UserActive), ts, ts)
		if isUniqueViolation(err) {
			return core.Newf(core.CodeAlreadyExists, "user %q already exists in tenant %s", username, tenantID)
		}
		if err != nil {
			return core.Wrap(core.CodeInternal, "users", err)
		}
		u.CreatedAt, u.UpdatedAt = parseTime(ts), parseTime(ts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies username/password within tenantID, returning the
// UserID on success or Unauthorized otherwise (spec §4.1). The password
// comparison is constant-time; lookups for an unknown username still run a
// hash comparison against a fixed dummy hash so failure timing does not
// reveal whether the username exists.
func (r *Repository) Authenticate(ctx context.Context, tenantID core.TenantID, username, password string) (core.UserID, error) {
	var id, hash, status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, password_hash, status FROM users WHERE tenant_id = ? AND username = ? COLLATE NOCASE`,
		tenantID.String(), username).Scan(&id, &hash, &status)
	if err == sql.ErrNoRows {
		_, _ = verifyPassword(password, dummyHash)
		return core.UserID{}, core.New(core.CodeUnauthorized, "invalid credentials")
	}
	if err != nil {
		return core.UserID{}, core.Wrap(core.CodeInternal, "users", err)
	}
	ok, err := verifyPassword(password, hash)
	if err != nil {
		return core.UserID{}, core.Wrap(core.CodeInternal, "users", err)
	}
	if !ok || status != string(UserActive) {
		return core.UserID{}, core.New(core.CodeUnauthorized, "invalid credentials")
	}
	return core.ParseUserID(id)
}

// dummyHash is compared against on an unknown-username lookup so
// Authenticate takes roughly the same time whether or not the username
// exists.
var dummyHash string

func init() {
	h, err := hashPassword("akidb-timing-defense-placeholder")
	if err != nil {
		panic(err)
	}
	dummyHash = h
}

// --- Audit log ---------------------------------------------------------------

// AppendAudit writes an audit entry; persistence failures are surfaced to
// the caller, never swallowed (spec §4.1: "never fails silently").
func (r *Repository) AppendAudit(ctx context.Context, entry AuditEntry) error {
	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (actor_id, tenant_id, action, target_ids, outcome, details, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ActorID.String(), entry.TenantID.String(), string(entry.Action),
			strings.Join(entry.TargetIDs, ","), string(entry.Outcome), entry.Details, now())
		if err != nil {
			return core.Wrap(core.CodeInternal, "audit_log", err)
		}
		return nil
	})
}

// ListAudit returns a tenant's audit entries ordered by timestamp ascending.
func (r *Repository) ListAudit(ctx context.Context, tenantID core.TenantID) ([]*AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, actor_id, tenant_id, action, target_ids, outcome, details, timestamp
		 FROM audit_log WHERE tenant_id = ? ORDER BY timestamp ASC`, tenantID.String())
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "audit_log", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorID, tid, action, targets, outcome, ts string
		if err := rows.Scan(&e.ID, &actorID, &tid, &action, &targets, &outcome, &e.Details, &ts); err != nil {
			return nil, core.Wrap(core.CodeInternal, "audit_log", err)
		}
		e.ActorID, err = core.ParseUserIDCompat(actorID)
		if err != nil {
			return nil, err
		}
		e.TenantID, err = core.ParseTenantID(tid)
		if err != nil {
			return nil, err
		}
		e.Action = AuditActionKind(action)
		if targets != "" {
			e.TargetIDs = strings.Split(targets, ",")
		}
		e.Outcome = AuditOutcome(outcome)
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

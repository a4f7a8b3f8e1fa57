// Package metadata is AkiDB's durable, transactional catalog of tenants,
// databases, collections, and users, plus the append-only audit log
// (spec §4.1). It is backed by an embedded relational store
// (modernc.org/sqlite) so deployments need no external database.
package metadata

import (
	"time"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// TenantStatus is the lifecycle state of a Tenant (spec §3).
type TenantStatus string

const (
	TenantActive    TenantStatus = "Active"
	TenantSuspended TenantStatus = "Suspended"
	TenantDeleted   TenantStatus = "Deleted"
)

// Quota bounds a tenant's resource consumption (spec §3).
type Quota struct {
	MaxVectors     int64
	MaxStorageByte int64
}

// Tenant is the top-level isolation unit (spec §3).
type Tenant struct {
	ID        core.TenantID
	Name      string
	Status    TenantStatus
	Quota     Quota
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Database is a namespace within a tenant (spec §3).
type Database struct {
	ID        core.DatabaseID
	TenantID  core.TenantID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexKind mirrors index.Kind without importing the index package, so
// metadata has no dependency on the indexing engine it merely describes.
type IndexKind string

const (
	IndexKindHNSW       IndexKind = "HNSW"
	IndexKindBruteForce IndexKind = "BruteForce"
)

// IndexParams carries the HNSW construction parameters chosen at
// collection creation (spec §3, §4.2); zero values for BruteForce.
type IndexParams struct {
	M              int
	EfConstruction int
}

// Collection is a vector set (spec §3).
type Collection struct {
	ID             core.CollectionID
	DatabaseID     core.DatabaseID
	Name           string
	Dimension      int
	Metric         core.Metric
	IndexKind      IndexKind
	IndexParams    IndexParams
	EmbeddingModel string // optional; empty means none configured
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CollectionSpec is the validated input to CreateCollection.
type CollectionSpec struct {
	Name           string
	Dimension      int
	Metric         core.Metric
	IndexKind      IndexKind
	IndexParams    IndexParams
	EmbeddingModel string
}

// UserRole is the privilege level of an authenticated principal (spec §3).
type UserRole string

const (
	RoleAdmin     UserRole = "Admin"
	RoleDeveloper UserRole = "Developer"
	RoleViewer    UserRole = "Viewer"
	RoleAuditor   UserRole = "Auditor"
)

// UserStatus mirrors TenantStatus for per-user lifecycle.
type UserStatus string

const (
	UserActive    UserStatus = "Active"
	UserSuspended UserStatus = "Suspended"
	UserDeleted   UserStatus = "Deleted"
)

// User is an authenticated principal scoped to a tenant (spec §3).
type User struct {
	ID           core.UserID
	TenantID     core.TenantID
	Username     string
	PasswordHash string // Argon2id encoded hash, never the raw password
	Role         UserRole
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditActionKind enumerates the 17 privileged action kinds spec §3 names
// across the tenant/user/collection lifecycle.
type AuditActionKind string

const (
	AuditTenantCreated      AuditActionKind = "TenantCreated"
	AuditTenantSuspended    AuditActionKind = "TenantSuspended"
	AuditTenantReactivated  AuditActionKind = "TenantReactivated"
	AuditTenantDeleted      AuditActionKind = "TenantDeleted"
	AuditDatabaseCreated    AuditActionKind = "DatabaseCreated"
	AuditDatabaseDeleted    AuditActionKind = "DatabaseDeleted"
	AuditCollectionCreated  AuditActionKind = "CollectionCreated"
	AuditCollectionUpdated  AuditActionKind = "CollectionUpdated"
	AuditCollectionDeleted  AuditActionKind = "CollectionDeleted"
	AuditUserCreated        AuditActionKind = "UserCreated"
	AuditUserRoleChanged    AuditActionKind = "UserRoleChanged"
	AuditUserSuspended      AuditActionKind = "UserSuspended"
	AuditUserDeleted        AuditActionKind = "UserDeleted"
	AuditUserLoginSucceeded AuditActionKind = "UserLoginSucceeded"
	AuditUserLoginFailed    AuditActionKind = "UserLoginFailed"
	AuditQuotaUpdated       AuditActionKind = "QuotaUpdated"
	AuditDocumentPurged     AuditActionKind = "DocumentPurged"
)

// AuditOutcome records whether the audited action succeeded.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "Success"
	OutcomeFailure AuditOutcome = "Failure"
)

// AuditEntry is an append-only record of a privileged action (spec §3).
type AuditEntry struct {
	ID        int64
	ActorID   core.UserID
	TenantID  core.TenantID
	Action    AuditActionKind
	TargetIDs []string
	Outcome   AuditOutcome
	Details   string // opaque JSON, optional
	Timestamp time.Time
}

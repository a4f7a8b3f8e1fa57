// Package core holds the pure domain types AkiDB builds on: identifiers,
// the stable error taxonomy, and distance metrics. Nothing in this package
// touches disk or the network.
package core

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// TenantID, DatabaseID, CollectionID, DocumentID and UserID are opaque
// 128-bit values with a canonical string form. Equality and hashing are
// total because they wrap uuid.UUID directly (a comparable array type).

type TenantID uuid.UUID
type DatabaseID uuid.UUID
type CollectionID uuid.UUID
type DocumentID uuid.UUID
type UserID uuid.UUID

// NewTenantID mints a fresh random TenantID.
func NewTenantID() TenantID { return TenantID(uuid.New()) }

// NewDatabaseID mints a fresh random DatabaseID.
func NewDatabaseID() DatabaseID { return DatabaseID(uuid.New()) }

// NewCollectionID mints a fresh random CollectionID.
func NewCollectionID() CollectionID { return CollectionID(uuid.New()) }

// NewDocumentID mints a fresh random DocumentID.
func NewDocumentID() DocumentID { return DocumentID(uuid.New()) }

// NewUserID mints a fresh random UserID.
func NewUserID() UserID { return UserID(uuid.New()) }

func (t TenantID) String() string     { return uuid.UUID(t).String() }
func (d DatabaseID) String() string   { return uuid.UUID(d).String() }
func (c CollectionID) String() string { return uuid.UUID(c).String() }
func (d DocumentID) String() string   { return uuid.UUID(d).String() }
func (u UserID) String() string       { return uuid.UUID(u).String() }

// Bytes returns the raw 16-byte (128-bit) representation of a DocumentID,
// used by the write-ahead log's binary record format (spec §6).
func (d DocumentID) Bytes() [16]byte { return [16]byte(d) }

// DocumentIDFromBytes reconstructs a DocumentID from its raw 16-byte form.
func DocumentIDFromBytes(b [16]byte) DocumentID { return DocumentID(b) }

func (t TenantID) IsZero() bool     { return t == TenantID{} }
func (d DatabaseID) IsZero() bool   { return d == DatabaseID{} }
func (c CollectionID) IsZero() bool { return c == CollectionID{} }
func (d DocumentID) IsZero() bool   { return d == DocumentID{} }
func (u UserID) IsZero() bool       { return u == UserID{} }

// ParseTenantID parses a canonical string form back into a TenantID.
func ParseTenantID(s string) (TenantID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TenantID{}, fmt.Errorf("parsing tenant id %q: %w", s, err)
	}
	return TenantID(u), nil
}

// ParseDatabaseID parses a canonical string form back into a DatabaseID.
func ParseDatabaseID(s string) (DatabaseID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DatabaseID{}, fmt.Errorf("parsing database id %q: %w", s, err)
	}
	return DatabaseID(u), nil
}

// ParseCollectionID parses a canonical string form back into a CollectionID.
func ParseCollectionID(s string) (CollectionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CollectionID{}, fmt.Errorf("parsing collection id %q: %w", s, err)
	}
	return CollectionID(u), nil
}

// ParseUserID parses a canonical string form back into a UserID.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("parsing user id %q: %w", s, err)
	}
	return UserID(u), nil
}

// ParseDocumentID parses a canonical string form back into a DocumentID.
func ParseDocumentID(s string) (DocumentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DocumentID{}, fmt.Errorf("parsing document id %q: %w", s, err)
	}
	return DocumentID(u), nil
}

// Value/Scan implementations let the id types round-trip through
// database/sql (modernc.org/sqlite) as TEXT columns storing the canonical
// string form.

func (t TenantID) Value() (driver.Value, error) { return uuid.UUID(t).String(), nil }
func (t *TenantID) Scan(src interface{}) error   { return scanUUID((*uuid.UUID)(t), src) }

func (d DatabaseID) Value() (driver.Value, error) { return uuid.UUID(d).String(), nil }
func (d *DatabaseID) Scan(src interface{}) error   { return scanUUID((*uuid.UUID)(d), src) }

func (c CollectionID) Value() (driver.Value, error) { return uuid.UUID(c).String(), nil }
func (c *CollectionID) Scan(src interface{}) error   { return scanUUID((*uuid.UUID)(c), src) }

func (d DocumentID) Value() (driver.Value, error) { return uuid.UUID(d).String(), nil }
func (d *DocumentID) Scan(src interface{}) error   { return scanUUID((*uuid.UUID)(d), src) }

func (u UserID) Value() (driver.Value, error) { return uuid.UUID(u).String(), nil }
func (u *UserID) Scan(src interface{}) error   { return scanUUID((*uuid.UUID)(u), src) }

func scanUUID(dst *uuid.UUID, src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	case []byte:
		parsed, err := uuid.Parse(string(v))
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into uuid", src)
	}
}

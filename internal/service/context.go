// Package service orchestrates ingest, query, and lifecycle for
// collections (spec §4.5). It is the one place that acquires the
// per-collection write lock and the one place lower-layer errors get
// translated into the stable taxonomy described in spec §7.
package service

import (
	"context"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/logging"
)

// requireTenant resolves the acting tenant from ctx and fails closed: a
// request carrying no tenant scope, or one that doesn't parse as a tenant
// id, is Unauthorized rather than treated as a request for "no tenant" or
// served with an empty result. Adapted from the teacher's dropped
// tenant.go (ContextWithTenant/ErrMissingTenant), wired onto
// logging.Scope since AkiDB already carries tenant_id through context for
// log correlation and there is no reason to keep two parallel context
// keys for the same value.
func requireTenant(ctx context.Context) (core.TenantID, error) {
	scope := logging.ScopeFromContext(ctx)
	if scope == nil || scope.TenantID == "" {
		return core.TenantID{}, core.New(core.CodeUnauthorized, "request carries no tenant scope")
	}
	id, err := core.ParseTenantID(scope.TenantID)
	if err != nil {
		return core.TenantID{}, core.Wrap(core.CodeUnauthorized, "tenant_id", err)
	}
	return id, nil
}

// authorizeCollection checks that the collection's database belongs to
// the tenant resolved from ctx. Cross-tenant access to a collection id
// that happens to exist is NotFound, not Forbidden: a tenant must not be
// able to distinguish "not yours" from "doesn't exist" by probing ids.
func (s *Service) authorizeCollection(ctx context.Context, tenantID core.TenantID, databaseID core.DatabaseID) error {
	db, err := s.repo.GetDatabase(ctx, databaseID)
	if err != nil {
		return translate(err, "database:"+databaseID.String())
	}
	if db.TenantID != tenantID {
		return core.New(core.CodeNotFound, "collection not found").WithTarget("database:" + databaseID.String())
	}
	return nil
}

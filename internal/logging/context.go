// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context. Adapted from the
// teacher's org/team/project tenant triple to AkiDB's own hierarchy
// (tenant → database → collection) plus the acting user id in place of a
// session id; trace correlation is dropped with the rest of the OTEL
// stack (see DESIGN.md).
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if scope := ScopeFromContext(ctx); scope != nil {
		fields = append(fields,
			zap.String("tenant_id", scope.TenantID),
			zap.String("database_id", scope.DatabaseID),
			zap.String("collection_id", scope.CollectionID),
		)
	}

	if actorID := ActorIDFromContext(ctx); actorID != "" {
		fields = append(fields, zap.String("actor_id", actorID))
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	return fields
}

// Context key types
type scopeCtxKey struct{}
type actorCtxKey struct{}
type requestCtxKey struct{}

// Scope identifies which tenant/database/collection a logged operation
// belongs to (spec §4.1's catalog hierarchy). DatabaseID and CollectionID
// are optional — a tenant-level operation (e.g. CreateDatabase) only has
// TenantID.
type Scope struct {
	TenantID     string
	DatabaseID   string
	CollectionID string
}

// Validation constants
const (
	maxScopeFieldLen = 64
	maxIDLen         = 128
)

var (
	// scopeFieldPattern allows alphanumeric, hyphen, underscore
	scopeFieldPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// idPattern allows alphanumeric, hyphen, underscore with optional prefix
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateScopeField validates a non-empty scope field (tenant/database/collection id).
func validateScopeField(field, name string) error {
	if field == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(field) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(field) > maxScopeFieldLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxScopeFieldLen)
	}
	if !scopeFieldPattern.MatchString(field) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// validateOptionalScopeField validates a scope field that may be empty.
func validateOptionalScopeField(field, name string) error {
	if field == "" {
		return nil
	}
	return validateScopeField(field, name)
}

// validateID validates an actor or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// ScopeFromContext extracts the tenant/database/collection scope from context.
func ScopeFromContext(ctx context.Context) *Scope {
	if s, ok := ctx.Value(scopeCtxKey{}).(*Scope); ok {
		return s
	}
	return nil
}

// WithScope adds a tenant/database/collection scope to context.
// Panics if scope is nil, TenantID is empty, or any set field contains
// invalid characters.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	if scope == nil {
		panic("logging: scope cannot be nil")
	}
	if err := validateScopeField(scope.TenantID, "scope.TenantID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateOptionalScopeField(scope.DatabaseID, "scope.DatabaseID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateOptionalScopeField(scope.CollectionID, "scope.CollectionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ActorIDFromContext extracts the acting user id from context.
func ActorIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(actorCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithActorID adds the acting user id to context.
// Panics if actorID is empty or contains invalid characters.
func WithActorID(ctx context.Context, actorID string) context.Context {
	if err := validateID(actorID, "actorID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, actorCtxKey{}, actorID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

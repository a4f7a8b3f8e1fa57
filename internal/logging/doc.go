// Package logging provides structured logging for AkiDB.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Structured stdout output
//   - Automatic context field injection (tenant_id, database_id, collection_id, actor_id, request_id)
//   - Defense-in-depth secret redaction
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
// Create logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithScope(ctx, &logging.Scope{TenantID: "acme"})
//	ctx = logging.WithActorID(ctx, "user_123")
//	logger.Info(ctx, "request processed", zap.Duration("duration", d))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-01T10:15:30Z",
//	  "level": "info",
//	  "msg": "request processed",
//	  "tenant_id": "acme",
//	  "actor_id": "user_123",
//	  "duration": "45ms"
//	}
//
// # Configuration Precedence
//
// Configuration follows standard AkiDB precedence:
//  1. Defaults (NewDefaultConfig)
//  2. File (config.yaml)
//  3. Environment variables (AKIDB_LOG_LEVEL, AKIDB_LOG_FORMAT)
//
// # Secret Redaction
//
// Secrets are redacted at multiple layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name filtering
//  3. Encoder-level pattern matching
//
// Use helpers for manual redaction:
//
//	logger.Info(ctx, "auth received",
//	    logging.RedactedString("authorization", authHeader))
//
// # Sampling
//
// Level-aware sampling prevents log floods:
//   - Trace, Debug, Info, Warn: one shared sampler using the Info entry of
//     Sampling.Levels (default: first 100 per second, then 1 every 10);
//     the Trace, Debug and Warn entries are not read
//   - Error+: never sampled
//
// Disable for debugging:
//
//	cfg.Sampling.Enabled = false
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//	tl.AssertNoSecrets(t)
//
// # Concurrency Safety
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
//
// # Performance
//
// Logging overhead: <1ms per entry in hot paths
// Zero allocations when level disabled
// Sampling reduces volume by ~90% in high-throughput scenarios
package logging

// Package logging provides structured logging for the depthcharge tools.
//
// This package wraps zap logger with convenience functions for the logging
// patterns used throughout the analysis engine. Logging is silent by default
// so that CLI output and machine-readable reports stay clean; set the
// DEPTHCHARGE_LOG_LEVEL environment variable to enable it.
//
// # Log Levels
//
//   - Debug: per-offset probe activity (candidate rejection, hex dumps)
//   - Info: search and synthesis milestones (result found, stratagem built)
//   - Warn: non-fatal issues (unresolvable variable references, odd input)
//   - Error: fatal issues (unreadable images, failed synthesis)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Command table located",
//	    zap.Uint64("address", result.Addr),
//	    zap.Int("entries", len(result.CmdTable.Commands)),
//	)
//
// Structural probe rejections are expected and common during a search, so
// they are only ever logged at Debug. Hot loops should gate field
// construction on DebugEnabled.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap
// logger handles synchronization automatically.
package logging

// Package logging provides logging utilities for warden.
//
// Two kinds of output live here:
//   - Structured logs through slog, controlled by --verbose and --json
//   - Short status lines for people running the CLI
//
// # Structured Logging
//
//	logging.Debug("claim attempt", "job", job.ID, "owner", owner)
//	logging.Warn("rate limit store unavailable, failing open", "error", err)
//
// Long-lived components take an optional *slog.Logger and tag it:
//
//	log := logging.Component(opts.Logger, "ipc")
//
// Secret values are wrapped in Redacted before they reach a log call.
//
// # User Output
//
//	logging.UserSuccess("published %s to %s", id, channel)
//	logging.UserWarning("%d messages in quarantine", n)
//
// UserInfo and UserSuccess write to stdout, UserWarning and UserError to
// stderr, each prefixed with ℹ ✓ ⚠ or ✗.
package logging

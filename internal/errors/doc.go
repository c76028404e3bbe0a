// Package errors provides typed errors with exit codes for warden.
//
// # Error Types
//
// WardenError is the base error type. It carries an exit code for the CLI
// and a Kind that drives propagation policy inside the orchestrator:
//
//	type WardenError struct {
//	    Code    int    // Exit code
//	    Kind    Kind   // Taxonomy entry
//	    Message string // User-facing message
//	    Cause   error  // Wrapped error
//	}
//
// # Kinds
//
//	KindAdmissionDenied        // expected; user notice or silent drop
//	KindSignatureInvalid       // quarantine and log, never fatal
//	KindSandboxSpawnFailure    // retried a bounded number of times
//	KindSandboxTimeout         // force-terminated, reported apart from failures
//	KindSandboxFailed          // non-zero exit
//	KindSecretMissing          // fails one launch only
//	KindPersistenceUnavailable // limiter fails open, claims fail closed
//
// Each kind has a sentinel so callers can match with errors.Is:
//
//	if errors.Is(err, errors.ErrSandboxTimeout) {
//	    ...
//	}
//
// # Extracting Exit Codes
//
// Use GetExitCode to extract the exit code from an error chain:
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
package errors

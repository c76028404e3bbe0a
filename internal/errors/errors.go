package errors

import (
	"errors"
	"fmt"
)

// Exit codes for warden
const (
	ExitSuccess                = 0
	ExitGeneralError           = 1
	ExitAdmissionDenied        = 2
	ExitSignatureInvalid       = 3
	ExitSandboxSpawnFailure    = 4
	ExitSandboxTimeout         = 5
	ExitConfigError            = 6
	ExitSecretMissing          = 7
	ExitPersistenceUnavailable = 8
	ExitSandboxFailed          = 9
	ExitDegraded               = 10
)

// Kind classifies an error for propagation policy.
type Kind int

const (
	KindGeneral Kind = iota
	KindAdmissionDenied
	KindSignatureInvalid
	KindSandboxSpawnFailure
	KindSandboxTimeout
	KindSandboxFailed
	KindSecretMissing
	KindPersistenceUnavailable
	KindConfig
	KindValidation
)

var kindNames = map[Kind]string{
	KindGeneral:                "general",
	KindAdmissionDenied:        "admission denied",
	KindSignatureInvalid:       "signature invalid",
	KindSandboxSpawnFailure:    "sandbox spawn failure",
	KindSandboxTimeout:         "sandbox timeout",
	KindSandboxFailed:          "sandbox failed",
	KindSecretMissing:          "secret missing",
	KindPersistenceUnavailable: "persistence unavailable",
	KindConfig:                 "config",
	KindValidation:             "validation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// WardenError is the base error type for warden
type WardenError struct {
	Code    int
	Kind    Kind
	Message string
	Cause   error

	sentinel bool
}

func (e *WardenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *WardenError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's kind.
func (e *WardenError) Is(target error) bool {
	t, ok := target.(*WardenError)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// ExitCode returns the exit code for this error
func (e *WardenError) ExitCode() int {
	return e.Code
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrAdmissionDenied        = sentinel(KindAdmissionDenied, ExitAdmissionDenied)
	ErrSignatureInvalid       = sentinel(KindSignatureInvalid, ExitSignatureInvalid)
	ErrSandboxSpawnFailure    = sentinel(KindSandboxSpawnFailure, ExitSandboxSpawnFailure)
	ErrSandboxTimeout         = sentinel(KindSandboxTimeout, ExitSandboxTimeout)
	ErrSandboxFailed          = sentinel(KindSandboxFailed, ExitSandboxFailed)
	ErrSecretMissing          = sentinel(KindSecretMissing, ExitSecretMissing)
	ErrPersistenceUnavailable = sentinel(KindPersistenceUnavailable, ExitPersistenceUnavailable)
	ErrConfig                 = sentinel(KindConfig, ExitConfigError)
	ErrValidation             = sentinel(KindValidation, ExitGeneralError)
)

func sentinel(kind Kind, code int) *WardenError {
	return &WardenError{Code: code, Kind: kind, Message: kind.String(), sentinel: true}
}

// New creates a new WardenError
func New(code int, message string) *WardenError {
	return &WardenError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a WardenError
func Wrap(code int, message string, cause error) *WardenError {
	return &WardenError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func newKind(kind Kind, code int, message string, cause error) *WardenError {
	return &WardenError{Code: code, Kind: kind, Message: message, Cause: cause}
}

// Common error constructors

// AdmissionDenied reports a rate limit denial for scope.
func AdmissionDenied(scope string) *WardenError {
	return newKind(KindAdmissionDenied, ExitAdmissionDenied, fmt.Sprintf("admission denied for %s", scope), nil)
}

// SignatureInvalid reports a message that failed verification.
func SignatureInvalid(channel, name string) *WardenError {
	return newKind(KindSignatureInvalid, ExitSignatureInvalid, fmt.Sprintf("invalid signature on %s/%s", channel, name), nil)
}

// SandboxSpawnFailure returns an error for a sandbox that could not be started
func SandboxSpawnFailure(group string, cause error) *WardenError {
	return newKind(KindSandboxSpawnFailure, ExitSandboxSpawnFailure, fmt.Sprintf("sandbox spawn for group %s failed", group), cause)
}

// SandboxTimeout returns an error for an invocation that exceeded its deadline
func SandboxTimeout(id string, timeoutMs int64) *WardenError {
	return newKind(KindSandboxTimeout, ExitSandboxTimeout, fmt.Sprintf("sandbox %s timed out after %dms", id, timeoutMs), nil)
}

// SandboxFailed returns an error for a sandbox that exited unsuccessfully
func SandboxFailed(id string, cause error) *WardenError {
	return newKind(KindSandboxFailed, ExitSandboxFailed, fmt.Sprintf("sandbox %s failed", id), cause)
}

// SecretMissing returns an error for a required secret that is not set
func SecretMissing(name string) *WardenError {
	return newKind(KindSecretMissing, ExitSecretMissing, fmt.Sprintf("required secret %s is not set", name), nil)
}

// PersistenceUnavailable wraps a store failure
func PersistenceUnavailable(op string, cause error) *WardenError {
	return newKind(KindPersistenceUnavailable, ExitPersistenceUnavailable, fmt.Sprintf("store %s failed", op), cause)
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *WardenError {
	return newKind(KindConfig, ExitConfigError, message, cause)
}

// ValidationError returns an error for input validation failures
func ValidationError(message string) *WardenError {
	return newKind(KindValidation, ExitGeneralError, message, nil)
}

// KindOf returns the kind of the first WardenError in err's chain.
func KindOf(err error) Kind {
	var wardenErr *WardenError
	if errors.As(err, &wardenErr) {
		return wardenErr.Kind
	}
	return KindGeneral
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	var wardenErr *WardenError
	if errors.As(err, &wardenErr) {
		return wardenErr.ExitCode()
	}
	return ExitGeneralError
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

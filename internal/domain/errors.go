package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind classifies execution failures. The kind prefixes the
// LoadHistory error message so operators can tell config defects from
// transient source trouble.
type ErrorKind string

const (
	KindSchedulerTransient        ErrorKind = "SCHEDULER_TRANSIENT"
	KindLockUnavailable           ErrorKind = "LOCK_UNAVAILABLE"
	KindSourceUnavailable         ErrorKind = "SOURCE_UNAVAILABLE"
	KindQueryTimeout              ErrorKind = "QUERY_TIMEOUT"
	KindQueryError                ErrorKind = "QUERY_ERROR"
	KindSQLNotReadOnly            ErrorKind = "SQL_NOT_READ_ONLY"
	KindSQLMissingPlaceholder     ErrorKind = "SQL_MISSING_PLACEHOLDER"
	KindTransformMissingTimestamp ErrorKind = "TRANSFORM_MISSING_TIMESTAMP"
	KindTransformBadTimestamp     ErrorKind = "TRANSFORM_BAD_TIMESTAMP"
	KindSinkDuplicate             ErrorKind = "SINK_DUPLICATE"
	KindCryptoDecryptFailed       ErrorKind = "CRYPTO_DECRYPT_FAILED"
	KindCryptoKeyInvalid          ErrorKind = "CRYPTO_KEY_INVALID"
)

// ExecError wraps an underlying error with its classification.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecError builds a classified execution error.
func NewExecError(kind ErrorKind, err error) *ExecError {
	return &ExecError{Kind: kind, Err: err}
}

// Classify returns the error kind of err, or QUERY_ERROR when the error
// carries no classification of its own.
func Classify(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindQueryError
}

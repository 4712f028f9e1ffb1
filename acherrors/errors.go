// Package acherrors defines the pipeline's error taxonomy as typed error
// values classified by a retry predicate, rather than driving retry off
// exception-style control flow.
package acherrors

import (
	"errors"
	"fmt"
)

// Kind identifies one category of pipeline error.
type Kind string

const (
	KindTransientStorageError       Kind = "TransientStorageError"
	KindStorageFault                Kind = "StorageFault"
	KindValidationError             Kind = "ValidationError"
	KindEventNotFound               Kind = "EventNotFound"
	KindEventNotCached              Kind = "EventNotCached"
	KindRoutingPaused               Kind = "RoutingPaused"
	KindQuiescenceTimeout           Kind = "QuiescenceTimeout"
	KindMergeIntegrityError         Kind = "MergeIntegrityError"
	KindDuplicateShardConfiguration Kind = "DuplicateShardConfiguration"
)

// Error is the concrete error type carried through the pipeline. Callers
// switch on Kind (via the Is helper below) rather than type-asserting
// concrete structs, keeping the taxonomy closed and explicit.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "eventlog.AppendBatch"
	Err  error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether the first *Error found in err's chain has the given
// Kind. An *Error wrapped inside another *Error is not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the operation that produced err should be
// retried under the configured retry policy. Only TransientStorageError is
// retryable; everything else (including its terminal sibling StorageFault)
// surfaces to the caller immediately.
func Retryable(err error) bool {
	return Is(err, KindTransientStorageError)
}

package core

import (
	"errors"
	"fmt"
)

// ErrRepository is the root of the error taxonomy. Every *Error matches it
// with errors.Is regardless of its kind.
var ErrRepository = errors.New("repository error")

// Error kinds. Each is a sentinel; use errors.Is(err, core.ErrPathNotFound).
var (
	// Not found
	ErrPathNotFound    = errors.New("path not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrNoSuchWorkspace = errors.New("no such workspace")
	ErrNoSuchNodeType  = errors.New("no such node type")

	// Conflict
	ErrItemExists           = errors.New("item exists")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrInvalidItemState     = errors.New("invalid item state")
	ErrLock                 = errors.New("lock violation")

	// Permission
	ErrAccessDenied = errors.New("access denied")
	ErrLogin        = errors.New("login failed")

	// Unsupported
	ErrUnsupportedOperation = errors.New("unsupported repository operation")

	// Format
	ErrValueFormat           = errors.New("value format")
	ErrInvalidSerializedData = errors.New("invalid serialized data")
	ErrInvalidQuery          = errors.New("invalid query")

	// Versioning
	ErrVersion                    = errors.New("version error")
	ErrMerge                      = errors.New("merge error")
	ErrInvalidLifecycleTransition = errors.New("invalid lifecycle transition")

	// Caller misuse
	ErrIllegalState    = errors.New("illegal state")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is the single error type surfaced by the engine. Kind is one of the
// sentinels above; Err optionally carries a wrapped cause.
type Error struct {
	Op   string // operation, e.g. "session.Save"
	Path string // item path or identifier the operation was about, if any
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = msg + ": " + e.Msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's kind and the repository root.
func (e *Error) Is(target error) bool {
	return target == e.Kind || target == ErrRepository
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Errorf creates an *Error of the given kind.
func Errorf(kind error, op, path, format string, args ...any) error {
	return &Error{Op: op, Path: path, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind around a cause. A nil cause
// returns nil.
func Wrap(kind error, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

var kinds = []error{
	ErrPathNotFound, ErrItemNotFound, ErrNoSuchWorkspace, ErrNoSuchNodeType,
	ErrItemExists, ErrConstraintViolation, ErrReferentialIntegrity,
	ErrInvalidItemState, ErrLock, ErrAccessDenied, ErrLogin,
	ErrUnsupportedOperation, ErrValueFormat, ErrInvalidSerializedData,
	ErrInvalidQuery, ErrVersion, ErrMerge, ErrInvalidLifecycleTransition,
	ErrIllegalState, ErrInvalidArgument,
}

// KindOf returns the kind sentinel of err, ErrRepository for unclassified
// repository errors and nil for nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrRepository
}

// IsNotFound reports whether err is any of the not-found kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrNoSuchWorkspace) || errors.Is(err, ErrNoSuchNodeType)
}

// IsConflict reports whether err is a conflict kind.
func IsConflict(err error) bool {
	return errors.Is(err, ErrItemExists) || errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrReferentialIntegrity) || errors.Is(err, ErrInvalidItemState) ||
		errors.Is(err, ErrLock)
}

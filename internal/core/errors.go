package core

import (
	"database/sql"
	"errors"
	"fmt"
)

// Kind is the engine's closed error taxonomy (spec §7). Callers should use
// errors.Is/errors.As against the sentinel Kind values below rather than
// string-matching error text.
type Kind int

const (
	KindOther Kind = iota
	KindWrongType
	KindNoSuchKey
	KindNotInteger
	KindNotFloat
	KindOutOfRange
	KindInvalidExpireTime
	KindSyntaxError
	KindInvalidArgument
	KindBusyGroup
	KindNoGroup
	KindNotFound
	KindInvalidData
)

func (k Kind) String() string {
	switch k {
	case KindWrongType:
		return "WrongType"
	case KindNoSuchKey:
		return "NoSuchKey"
	case KindNotInteger:
		return "NotInteger"
	case KindNotFloat:
		return "NotFloat"
	case KindOutOfRange:
		return "OutOfRange"
	case KindInvalidExpireTime:
		return "InvalidExpireTime"
	case KindSyntaxError:
		return "SyntaxError"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindBusyGroup:
		return "BusyGroup"
	case KindNoGroup:
		return "NoGroup"
	case KindNotFound:
		return "NotFound"
	case KindInvalidData:
		return "InvalidData"
	default:
		return "Other"
	}
}

// Error is the engine's tagged error value. Kind is the closed union member;
// Msg carries the human-readable detail that spec §7 calls InvalidArgument(msg)
// and Other(msg).
type Error struct {
	Kind Kind
	Msg  string
	err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, core.WrongType) work against sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

// Sentinel values for errors.Is comparisons, e.g. errors.Is(err, core.WrongType).
var (
	WrongType         = newErr(KindWrongType, "")
	NoSuchKey         = newErr(KindNoSuchKey, "")
	NotInteger        = newErr(KindNotInteger, "")
	NotFloat          = newErr(KindNotFloat, "")
	OutOfRange        = newErr(KindOutOfRange, "")
	InvalidExpireTime = newErr(KindInvalidExpireTime, "")
	SyntaxErr         = newErr(KindSyntaxError, "")
	BusyGroup         = newErr(KindBusyGroup, "")
	NoGroup           = newErr(KindNoGroup, "")
	NotFound          = newErr(KindNotFound, "")
	InvalidData       = newErr(KindInvalidData, "")
)

// ErrWrongType etc. construct a concrete error of the given kind with a
// caller-supplied message.
func ErrWrongType(msg string) error         { return newErr(KindWrongType, msg) }
func ErrNoSuchKey(msg string) error         { return newErr(KindNoSuchKey, msg) }
func ErrNotInteger(msg string) error        { return newErr(KindNotInteger, msg) }
func ErrNotFloat(msg string) error          { return newErr(KindNotFloat, msg) }
func ErrOutOfRange(msg string) error        { return newErr(KindOutOfRange, msg) }
func ErrInvalidExpireTime(msg string) error { return newErr(KindInvalidExpireTime, msg) }
func ErrSyntax(msg string) error            { return newErr(KindSyntaxError, msg) }
func ErrInvalidArgument(msg string) error   { return newErr(KindInvalidArgument, msg) }
func ErrBusyGroup(msg string) error         { return newErr(KindBusyGroup, msg) }
func ErrNoGroup(msg string) error           { return newErr(KindNoGroup, msg) }
func ErrNotFound(msg string) error          { return newErr(KindNotFound, msg) }
func ErrInvalidData(msg string) error       { return newErr(KindInvalidData, msg) }
func ErrOther(msg string) error             { return newErr(KindOther, msg) }

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// wrapDBError wraps a database/sql error with operation context, converting
// sql.ErrNoRows to KindNotFound. Mirrors the teacher's wrapDBError/wrapDBErrorf
// convention (internal/storage/sqlite/errors.go) one-for-one.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindNotFound, Msg: op, err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

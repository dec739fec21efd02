package horizon

import (
	"fmt"

	"github.com/StardustXR/horizon/wire"
)

// Error is a dispatch failure carrying a protocol error code. It
// crosses the wire as an error or method-error frame.
type Error struct {
	Code uint16
	Msg  string
}

func (e *Error) Error() string    { return e.Msg }
func (e *Error) WireCode() uint16 { return e.Code }

// Is matches any error of the same code, so callers can compare
// against the canonical sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Canonical dispatch failures.
var (
	ErrNodeNotFound  = &Error{wire.CodeNodeNotFound, "node not found"}
	ErrWrongAspect   = &Error{wire.CodeWrongAspect, "node lacks the addressed aspect"}
	ErrBrokenAlias   = &Error{wire.CodeBrokenAlias, "alias original is gone"}
	ErrCycle         = &Error{wire.CodeCycle, "operation would create a cycle"}
	ErrMessengerGone = &Error{wire.CodeMessengerGone, "client messenger is gone"}
	ErrSerialization = &Error{wire.CodeSerialization, "malformed body"}
	ErrInternal      = &Error{wire.CodeInternal, "internal error"}
)

func errNodeNotFound(id uint64) error {
	return &Error{wire.CodeNodeNotFound, fmt.Sprintf("node %#x not found", id)}
}

func errMemberNotFound(aspect, opcode uint16) error {
	return &Error{wire.CodeNodeNotFound, fmt.Sprintf("no member (%d, %d)", aspect, opcode)}
}

func errWrongAspect(aspect uint16) error {
	return &Error{wire.CodeWrongAspect, fmt.Sprintf("node lacks aspect %d", aspect)}
}

func errHandleNotFound(handle uint64) error {
	return &Error{wire.CodeNodeNotFound, fmt.Sprintf("nothing exported at handle %#x", handle)}
}

func errCyclef(format string, args ...any) error {
	return &Error{Code: wire.CodeCycle, Msg: fmt.Sprintf(format, args...)}
}

func errSerialization(err error) error {
	return &Error{wire.CodeSerialization, err.Error()}
}

func errSerializationf(format string, args ...any) error {
	return &Error{wire.CodeSerialization, fmt.Sprintf(format, args...)}
}

func errInternalf(format string, args ...any) error {
	return &Error{wire.CodeInternal, fmt.Sprintf(format, args...)}
}

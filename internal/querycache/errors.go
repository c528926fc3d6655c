package querycache

import (
	"fmt"

	"github.com/kartikbazzad/bunbase/querycache/internal/term"
)

// BacktraceException is the error carrier that crosses the Query
// Cache's boundary. The connection layer maps Kind to the wire response
// type of the same name.
type BacktraceException struct {
	Kind      ResponseType
	Message   string
	Backtrace term.Backtrace
}

func (e *BacktraceException) Error() string { return e.Message }

// ClientError constructs the CLIENT_ERROR carrier used for duplicate
// tokens and other client-protocol misuse. Client errors never carry a
// backtrace.
func ClientError(format string, args ...interface{}) *BacktraceException {
	return &BacktraceException{
		Kind:    ClientErrorType,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewCompileError wraps a term.CompileError as the COMPILE_ERROR
// carrier.
func NewCompileError(err *term.CompileError) *BacktraceException {
	return &BacktraceException{
		Kind:      CompileErrorType,
		Message:   err.Message,
		Backtrace: err.Backtrace,
	}
}

// RuntimeError constructs the RUNTIME_ERROR carrier used for evaluation
// failures and admin kill.
func RuntimeError(message string, bt term.Backtrace) *BacktraceException {
	return &BacktraceException{
		Kind:      RuntimeErrorType,
		Message:   message,
		Backtrace: bt,
	}
}

// AdminKilledMessage is the exact wording required for the admin-kill
// RuntimeError, preserved for wire compatibility with existing clients.
const AdminKilledMessage = "Query terminated by the `rethinkdb.jobs` table."

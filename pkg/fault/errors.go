// Package fault classifies the failures of a unit and routes them to
// operators. Every error carries three orthogonal axes: a Category naming
// where it came from, an Extent naming who is affected, and a Level naming
// how bad it is.
package fault

import (
	"errors"
	"fmt"
)

// Category is the origin of a failure.
type Category string

const (
	// CategoryLogic is an internal inconsistency, such as a stale timer firing.
	CategoryLogic Category = "LOGIC"

	// CategoryUser is bad or missing external data: an invalid mode value,
	// an unreadable hardware document.
	CategoryUser Category = "USER"

	// CategoryFramework is an infrastructure failure: storage, file system,
	// transport.
	CategoryFramework Category = "FRAMEWORK"
)

// Extent is the scope a failure affects.
type Extent string

const (
	// ExtentLocal affects this unit only.
	ExtentLocal Extent = "LOCAL"

	// ExtentGlobal affects the whole cluster.
	ExtentGlobal Extent = "GLOBAL"
)

// Level is the severity of a failure.
type Level string

const (
	// LevelWarn is recoverable; degraded operation continues.
	LevelWarn Level = "WARN"

	// LevelError means the operation failed but the process continues.
	LevelError Level = "ERROR"

	// LevelFatal means the operation was aborted and the caller's request fails.
	LevelFatal Level = "FATAL"
)

// Messages shared by the storage layers.
const (
	MsgSharedDataFailed = "Communication failed on SharedData"
	MsgFileSystemFailed = "Operation failed on File System"
)

// Error is a classified failure.
type Error struct {
	Category Category `json:"category"`
	Extent   Extent   `json:"extent"`
	Level    Level    `json:"level"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s/%s/%s] %s", e.Category, e.Extent, e.Level, e.Message)
	if e.Operation != "" {
		prefix = fmt.Sprintf("%s (operation=%s)", prefix, e.Operation)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same category and level.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Level == t.Level
}

// New creates a classified error without a cause.
func New(category Category, extent Extent, level Level, message string) *Error {
	return &Error{
		Category: category,
		Extent:   extent,
		Level:    level,
		Message:  message,
	}
}

// Wrap creates a classified error around cause.
func Wrap(category Category, extent Extent, level Level, message string, cause error) *Error {
	return &Error{
		Category: category,
		Extent:   extent,
		Level:    level,
		Message:  message,
		Err:      cause,
	}
}

// Warnf creates a LOCAL warning of the given category.
func Warnf(category Category, format string, args ...interface{}) *Error {
	return New(category, ExtentLocal, LevelWarn, fmt.Sprintf(format, args...))
}

// SharedData wraps a cluster store failure.
func SharedData(operation string, cause error) *Error {
	return Wrap(CategoryFramework, ExtentLocal, LevelError, MsgSharedDataFailed, cause).WithOperation(operation)
}

// FileSystem wraps a local file system failure.
func FileSystem(operation string, cause error) *Error {
	return Wrap(CategoryFramework, ExtentLocal, LevelFatal, MsgFileSystemFailed, cause).WithOperation(operation)
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsFramework returns true if the error is an infrastructure failure.
func IsFramework(err error) bool {
	e, ok := As(err)
	return ok && e.Category == CategoryFramework
}

// IsUser returns true if the error is caused by external data.
func IsUser(err error) bool {
	e, ok := As(err)
	return ok && e.Category == CategoryUser
}

// IsLogic returns true if the error is an internal inconsistency.
func IsLogic(err error) bool {
	e, ok := As(err)
	return ok && e.Category == CategoryLogic
}

// LevelOf returns the level of a classified error. Unclassified errors are
// treated as ERROR.
func LevelOf(err error) Level {
	if e, ok := As(err); ok {
		return e.Level
	}
	return LevelError
}

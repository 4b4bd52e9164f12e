package bridge

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Status is the outcome vocabulary shared by every bridge operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotSpawned
	StatusCompleted
	StatusTerminated
	StatusGenericError
	StatusUsageError
)

// String returns a stable snake_case name used in transcripts and metrics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotSpawned:
		return "not_spawned"
	case StatusCompleted:
		return "completed"
	case StatusTerminated:
		return "terminated"
	case StatusGenericError:
		return "generic_error"
	case StatusUsageError:
		return "usage_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MaxMessageLen bounds the error message mirrored on a Process.
const MaxMessageLen = 200

// Error is the failure value returned by bridge operations.
type Error struct {
	Status Status
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Message renders the human readable part of the error, without the
// operation prefix.
func (e *Error) Message() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf maps err to the status it represents. A nil error is StatusOK and
// errors that did not originate from the bridge are StatusGenericError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return StatusGenericError
}

// IsUsage reports whether err is a usage error.
func IsUsage(err error) bool {
	return StatusOf(err) == StatusUsageError
}

func usageError(op, msg string) *Error {
	return &Error{Status: StatusUsageError, Op: op, Msg: msg}
}

// notSpawnedMessage is stored by a fresh child-role instance and by every
// operation rejected for lack of a child.
const notSpawnedMessage = "Child not spawned"

func notSpawnedError(op string) *Error {
	return &Error{Status: StatusNotSpawned, Op: op, Msg: notSpawnedMessage}
}

func genericError(op, msg string, err error) *Error {
	return &Error{Status: StatusGenericError, Op: op, Msg: msg, Err: err}
}

// boundMessage truncates msg to MaxMessageLen bytes on a rune boundary.
func boundMessage(msg string) string {
	if len(msg) <= MaxMessageLen {
		return msg
	}
	cut := MaxMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is an error with an associated HTTP status code. The websocket
// layer maps the status code onto protocol error frames; the REST layer writes
// it directly.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// NewUnauthorizedError is returned when the caller's credential is missing or bad,
// or when a device submits work for a session it was never registered to.
func NewUnauthorizedError(err error) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusUnauthorized,
		Err:        err,
	}
}

// NewConflictError is returned when a versioned state write lost the race against
// a concurrent writer. The caller must resync and decide whether to re-issue.
func NewConflictError(err error) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

func NewNotFoundError(err error) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusNotFound,
		Err:        err,
	}
}

// IsConflict reports whether err is a version-mismatch error from a conditional
// state update.
func IsConflict(err error) bool {
	var herr *HandlerError
	return errors.As(err, &herr) && herr.StatusCode == http.StatusConflict
}

func IsUnauthorized(err error) bool {
	var herr *HandlerError
	return errors.As(err, &herr) && herr.StatusCode == http.StatusUnauthorized
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and DEVICESYNC_DEBUG=1 then the program panics.
// If expr is false and DEVICESYNC_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("DEVICESYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}

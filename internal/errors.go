package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// AuthErrorKind classifies login/revalidation failures.
type AuthErrorKind string

const (
	AuthInvalidCredential  AuthErrorKind = "invalid_credential"
	AuthNetworkUnavailable AuthErrorKind = "network_unavailable"
	AuthServerError        AuthErrorKind = "server_error"
)

// AuthError is returned by login and credential revalidation. It blocks
// session creation and is the only error family surfaced to callers.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func NewAuthError(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// IsInvalidCredential reports whether err is an authority rejection, as
// opposed to a transient network or server problem.
func IsInvalidCredential(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == AuthInvalidCredential
}

// ChannelErrorKind classifies live channel failures. These never surface to
// consumers as failures; they degrade to a connection-status indicator.
type ChannelErrorKind string

const (
	ChannelHandshakeFailed ChannelErrorKind = "handshake_failed"
	ChannelDisconnected    ChannelErrorKind = "disconnected"
	ChannelParseError      ChannelErrorKind = "parse_error"
)

type ChannelError struct {
	Kind ChannelErrorKind
	Err  error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel: %s: %s", e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func NewChannelError(kind ChannelErrorKind, err error) *ChannelError {
	return &ChannelError{Kind: kind, Err: err}
}

// PollErrorKind classifies snapshot fetch failures.
type PollErrorKind string

const (
	PollTimeout      PollErrorKind = "timeout"
	PollServerError  PollErrorKind = "server_error"
	PollUnauthorized PollErrorKind = "unauthorized"
)

type PollError struct {
	Kind PollErrorKind
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll: %s: %s", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

func NewPollError(kind PollErrorKind, err error) *PollError {
	return &PollError{Kind: kind, Err: err}
}

// IsUnauthorized reports whether err means the bearer credential has been
// rejected by the backend. This is the only error class allowed to cascade
// into a session reset.
func IsUnauthorized(err error) bool {
	var pe *PollError
	if errors.As(err, &pe) && pe.Kind == PollUnauthorized {
		return true
	}
	return IsInvalidCredential(err)
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and OPSYNC_DEBUG=1 then the program panics.
// If expr is false and OPSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("OPSYNC_DEBUG") == "1" {
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

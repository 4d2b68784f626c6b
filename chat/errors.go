package chat

import (
	"errors"
	"strings"
)

var (
	ErrUnknownServer = errors.New("unknown server")
	ErrDuplicate     = errors.New("server already exists")
	ErrNotConnected  = errors.New("session not connected")
	ErrNotAborted    = errors.New("reconnect requires an aborted session")
	ErrAborted       = errors.New("session aborted")
)

// ErrorClass represents whether a transport error should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the session should reconnect (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retries cannot succeed without operator action.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError decides whether a session error is worth retrying.
//
// Fatal errors (non-retryable):
//   - Authentication failures (bad server password, SASL failure, login unsuccessful)
//   - Bans (banned from server, K-lined, G-lined, Z-lined)
//   - Invalid configuration (no such host in the configured address)
//
// Everything else, including network errors, server restarts and throttling,
// is treated as retryable so a flaky network never parks a session.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	lower := strings.ToLower(err.Error())

	// Throttling often mentions a ban-like word; check it first.
	throttled := []string{
		"throttled",
		"reconnecting too fast",
		"too many connections",
		"too many host connections",
	}
	for _, pattern := range throttled {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	fatal := []string{
		"password incorrect",
		"password mismatch",
		"sasl authentication failed",
		"login authentication failed",
		"login unsuccessful",
		"improperly formatted auth",
		"you are banned",
		"banned from this server",
		"k-lined",
		"g-lined",
		"z-lined",
		"no such host",
		"invalid port",
	}
	for _, pattern := range fatal {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// IsFatalError reports whether err should stop automatic reconnection.
func IsFatalError(err error) bool {
	return ClassifyError(err) == ErrorClassFatal
}

// Package common provides shared constants, types, and utilities
// used across xvpnctl.
package common

import "errors"

// Sentinel errors for helper operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Transport errors.
	ErrTransportClosed = errors.New("helper closed its output stream")
	ErrProtocolDecode  = errors.New("malformed native message")

	// Session errors.
	ErrDaemonUnreachable = errors.New("can't connect to VPN helper daemon")
	ErrDaemon            = errors.New("error from daemon")
	ErrSessionClosed     = errors.New("session closed")
	ErrNotReady          = errors.New("session handshake not completed")
	ErrSessionDesynced   = errors.New("session lost track of an abandoned response")
	ErrTimeout           = errors.New("operation timed out")

	// Lookup errors.
	ErrLocationNotFound = errors.New("location not found")
	ErrServiceNotFound  = errors.New("VPN browser helper service not found")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

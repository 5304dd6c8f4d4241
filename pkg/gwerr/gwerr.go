// Package gwerr defines the error kinds every gateway component reports. Callers branch
// on the Kind of an error rather than on message text or numeric codes.
package gwerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	NotFound
	AlreadyExists
	NeedsAuthentication
	Unsupported
	PermissionDenied
	InvalidRequest
	BackendFailure
)

var kindNames = [...]string{
	Internal:            "internal_error",
	NotFound:            "not_found",
	AlreadyExists:       "already_exists",
	NeedsAuthentication: "needs_authentication",
	Unsupported:         "unsupported",
	PermissionDenied:    "permission_denied",
	InvalidRequest:      "invalid_request",
	BackendFailure:      "backend_failure",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return kindNames[k]
}

// Error is a kinded error. Mount is set for NeedsAuthentication errors raised for a
// mount point so the caller knows which credentials to prompt for.
type Error struct {
	Kind  Kind
	Msg   string
	Mount string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new error of the given kind.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NeedsAuth creates a NeedsAuthentication error for the named mount point.
func NeedsAuth(mount string, err error) error {
	return &Error{Kind: NeedsAuthentication, Msg: fmt.Sprintf("mount point '%s' needs authentication", mount), Mount: mount, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Errors without a kind
// are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Internal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}

	return KindOf(err) == kind
}

// MountOf returns the mount title attached to a NeedsAuthentication error.
func MountOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Mount
	}

	return ""
}

package entities

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable, machine-readable failure class returned to clients.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_failed"
	KindTooManyPhotos    ErrorKind = "too_many_photos"
	KindUnsupportedMedia ErrorKind = "unsupported_media"
	KindStaging          ErrorKind = "staging_failed"
	KindDecode           ErrorKind = "decode_failed"
	KindEncode           ErrorKind = "encode_failed"
	KindTimeout          ErrorKind = "normalize_timeout"
	KindPersist          ErrorKind = "persist_failed"
	KindNotFound         ErrorKind = "not_found"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindUpstream         ErrorKind = "upstream_failed"
	KindInternal         ErrorKind = "internal"
)

var ErrNotFound = errors.New("not found")

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Bare
// ErrNotFound maps to KindNotFound, anything else to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

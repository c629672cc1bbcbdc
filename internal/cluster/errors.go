package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound classifies errors for entities that do not exist.
	// Their messages start with "404 NOT FOUND".
	ErrNotFound = errors.New("404 NOT FOUND")

	// ErrInvalid classifies validation failures. Their messages start
	// with "@" or ".", naming the offending field.
	ErrInvalid = errors.New("invalid")
)

type classError struct {
	class error
	msg   string
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.class }

// NotFoundf returns a 404-class error: "404 NOT FOUND - <message>".
func NotFoundf(format string, args ...any) error {
	return &classError{class: ErrNotFound, msg: ErrNotFound.Error() + " - " + fmt.Sprintf(format, args...)}
}

// Invalidf returns a validation error with the formatted message.
func Invalidf(format string, args ...any) error {
	return &classError{class: ErrInvalid, msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a 404-class error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalid reports whether err is a validation error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

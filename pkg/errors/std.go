package errors

import stderr "errors"

// As is errors.As from the standard library.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderr.Is(err, target)
}

// New is errors.New from the standard library.
func New(text string) error {
	return stderr.New(text)
}

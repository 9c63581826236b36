package errors

import (
	"errors"
	"fmt"
)

// Wrapf wraps an error with context using fmt.Errorf. A nil err stays nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Join combines errs, dropping nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

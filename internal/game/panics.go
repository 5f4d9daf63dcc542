package game

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// TryCatch runs fn and returns any panic raised in it as an error. Panics of types other than
// error (e.g. panic("...") from a Game implementation) are formatted into a new error.
//
// Goroutines running Game or Oracle code should use it, so a panic aborts the operation instead
// of the program.
func TryCatch(fn func()) error {
	exception := exceptions.Try(fn)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return errors.WithMessage(err, "panic")
	}
	return errors.Errorf("panic: %v", exception)
}

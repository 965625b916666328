package secure

import (
	"fmt"

	"golang.org/x/xerrors"
)

// abort carries an error out of a Conn operation, see guard.
type abort struct {
	err error
}

// guard returns must, which aborts the current Conn operation when err is
// set, annotated with op, and done, to be deferred, which hands the aborting
// error to fail. Panics not raised by must are re-raised.
func guard(fail func(error)) (must func(err error, op string), done func()) {
	must = func(err error, op string) {
		if err != nil {
			panic(abort{xerrors.Errorf("%s: %w", op, err)})
		}
	}
	done = func() {
		switch e := recover().(type) {
		case nil:
		case abort:
			fail(e.err)
		default:
			panic(e)
		}
	}
	return must, done
}

// detailError is a sentinel with detail text appended.
type detailError struct {
	sentinel error
	detail   string
}

func withDetail(sentinel error, format string, args ...interface{}) error {
	return &detailError{sentinel, fmt.Sprintf(format, args...)}
}

func (e *detailError) Error() string {
	return e.sentinel.Error() + ": " + e.detail
}

func (e *detailError) Unwrap() error {
	return e.sentinel
}

// classError files cause under one of the handshake or transport error
// classes. errors.Is matches the class, and anything in the chain of cause.
type classError struct {
	class error
	cause error
}

func classify(class, cause error) error {
	return &classError{class, cause}
}

func (e *classError) Error() string {
	return e.class.Error() + ": " + e.cause.Error()
}

func (e *classError) Is(target error) bool {
	return e.class == target
}

func (e *classError) Unwrap() error {
	return e.cause
}

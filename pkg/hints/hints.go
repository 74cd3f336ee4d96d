// Package hints marks errors that signal a skipped step rather than a failure.
//
// A hook list that is empty, a dry run that never touched the database or an
// upgrade pass that found nothing to install all return errors so that the
// caller knows the step did not do its work, but none of them should fail a
// backup, export or upgrade run. Producers wrap such errors with New or Wrap and
// consumers filter them with IsHint without importing the producer's sentinels.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap promotes an existing error to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint reports whether any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is reports whether err is a hint AND matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}

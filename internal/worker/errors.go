package worker

import "errors"

// TerminalError marks a task failure that must not be retried: invalid input,
// missing resource, permission denied. Anything else is treated as transient
// and goes through the backoff-and-requeue path.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the consumer fails the job instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err carries a TerminalError anywhere in its chain.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

package oracle

import "errors"

// TransientError marks an extraction failure worth retrying with backoff:
// network faults, timeouts, rate limits, upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient oracle error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MalformedOutputError marks a response the model produced but the engine
// could not use: invalid JSON or an empty completion. Retrying with the
// prior output in context is the remedy, not backoff.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	if e.Err != nil {
		return "malformed oracle output: " + e.Err.Error()
	}
	return "malformed oracle output"
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsMalformed reports whether err is, or wraps, a MalformedOutputError.
func IsMalformed(err error) bool {
	var m *MalformedOutputError
	return errors.As(err, &m)
}

package runtime

import "errors"

// UnprocessableEventError marks a delivery that can never succeed, such as a
// body that is not a valid envelope. It is dead-lettered without retry.
type UnprocessableEventError struct {
	EventID string
	err     error
}

// NewUnprocessableEventError wraps err as a poison failure of eventID.
func NewUnprocessableEventError(eventID string, err error) *UnprocessableEventError {
	return &UnprocessableEventError{EventID: eventID, err: err}
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event " + e.EventID + ": " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.err }

// IsUnprocessable reports whether err marks a poison message.
func IsUnprocessable(err error) bool {
	var unprocessable *UnprocessableEventError
	return errors.As(err, &unprocessable)
}

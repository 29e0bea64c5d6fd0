package stream

import (
	"errors"
	"fmt"
)

// StatusError is returned by Dial when the server answers with anything but 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream returned status %d", e.Code)
	}
	return fmt.Sprintf("stream returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

// Terminal reports whether the status is an authoritative rejection (4xx and above).
func (e *StatusError) Terminal() bool {
	return e.Code >= 400
}

// IsTerminal reports whether err carries an HTTP status of 400 or above.
// Errors without a status are transport failures and may be retried.
func IsTerminal(err error) bool {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 400
	}
	return false
}

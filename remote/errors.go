package remote

import (
	"errors"
	"fmt"
)

// ErrRemoteCall matches every failure reported by Client through errors.Is.
var ErrRemoteCall = errors.New("remote call failed")

// Error describes a failed call to the feedback service. StatusCode is zero
// when the request never produced a response (transport error, timeout).
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: remote returned %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: remote returned %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": remote call failed"
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrRemoteCall
}

// StatusCode reports the remote HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.StatusCode
	}
	return 0
}

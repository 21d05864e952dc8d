package supervisor

import (
	"errors"
	"fmt"
)

// ErrLaunch is matched by every error returned when the supervised command
// could not be started.
var ErrLaunch = errors.New("launch failed")

// LaunchError reports that the supervised command could not be started. It is
// fatal: the supervisor never retries a failed launch.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

package telemetry

import (
	"errors"
	"fmt"
)

// ErrRunFlushed is returned when a test is begun or ended after the run was
// flushed.
var ErrRunFlushed = errors.New("run already flushed")

// UsageError reports a collaborator mistake such as ending a test twice. It
// never affects the telemetry of other tests.
type UsageError struct {
	Op       string
	Identity string
	Err      error
}

func (e *UsageError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %q: %v", e.Op, e.Identity, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

package cli

import "fmt"

// ExitError asks main to exit with Code. Err, when set, is printed first.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exit codes besides the child's own.
const (
	ExitFailure   = 1
	ExitTimeout   = 124
	ExitInterrupt = 130
)

package apperr

import (
	"errors"
	"fmt"
)

// StepError is the permanent form of a step failure: the retry budget for a
// named automation step is exhausted and the last cause is preserved.
type StepError struct {
	Step      string
	RetryUsed int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed after retries: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func StepFailed(step string, retryUsed int, err error) error {
	return &StepError{
		Step:      step,
		RetryUsed: retryUsed,
		Err:       err,
	}
}

// AsStep unwraps err down to a StepError if one is present.
func AsStep(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}

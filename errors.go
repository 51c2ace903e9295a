package dylibfix

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage occurs when the artifact path or a flag is missing or malformed.
	ErrUsage = errors.New("usage error")
	// ErrNotFound occurs when the artifact path is missing, not a regular file or not readable.
	ErrNotFound = errors.New("artifact not found")
	// ErrMetadata occurs when load commands can't be parsed or written back.
	ErrMetadata = errors.New("metadata error")
	// ErrUnmatched occurs in strict mode when a dependency drifted away from its rule, see [Rules.Unmatched].
	ErrUnmatched = errors.New("unmatched dependency")
	// ErrInvalidRule occurs when a rule set is malformed.
	ErrInvalidRule = errors.New("invalid rewrite rule")
)

// StepError names the rewrite step that failed. Steps completed before it stay applied.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

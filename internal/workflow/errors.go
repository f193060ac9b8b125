// Package workflow holds the pure decision logic of case processing: when a
// case is complete enough to start, which stage runs next, and how stage
// output is folded into the payload carried between stages.
package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing or invalid workflow configuration.
	// It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrConfigurationNotFound is returned when no configuration exists for
	// the resolved workflow name.
	ErrConfigurationNotFound = fmt.Errorf("%w: workflow configuration not found", ErrConfiguration)

	// ErrDuplicateInferenceKey is returned when stage output would overwrite
	// output another stage already recorded.
	ErrDuplicateInferenceKey = errors.New("duplicate inference key")
)

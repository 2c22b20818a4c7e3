package common

import (
	"context"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RetryParams retry settings for calls against external dependencies
type RetryParams struct {
	// MaxAttempts max number of tries before giving up
	MaxAttempts int `validate:"required,gte=1"`
	// InitialWait wait duration after the first failed attempt. The wait
	// grows linearly with each further attempt.
	InitialWait time.Duration
}

// RetryOnError run an operation up to param.MaxAttempts times, waiting between
// attempts. Returns the last error if all attempts failed, and stops early if
// the context is cancelled.
func RetryOnError(
	ctxt context.Context, param RetryParams, operation func() error,
) error {
	var lastErr error
	for attempt := 1; attempt <= param.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if attempt == param.MaxAttempts {
			break
		}
		select {
		case <-time.After(param.InitialWait * time.Duration(attempt)):
		case <-ctxt.Done():
			return ctxt.Err()
		}
	}
	return lastErr
}

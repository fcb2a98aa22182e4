// ABOUTME: Upstream failure classes attached at the generation boundary.
// ABOUTME: The router decides handling per class; this is the only place provider errors are inspected.

package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: overload, 5xx, dropped
	// connections.
	ErrTransient = errors.New("genai: transient upstream failure")

	// ErrQuota marks exhausted quota or rejected credentials. Retrying the
	// same key will not help.
	ErrQuota = errors.New("genai: quota exhausted or permission denied")

	// ErrMalformed marks input the upstream rejected outright.
	ErrMalformed = errors.New("genai: malformed input rejected")

	// ErrTimeout marks a deadline hit while the upstream was working.
	ErrTimeout = errors.New("genai: upstream timeout")

	// ErrEmpty marks a successful call that produced no usable content.
	ErrEmpty = errors.New("genai: empty response")
)

// Classify wraps a provider error with exactly one failure class, keeping
// the original error in the chain. Context cancellation passes through
// unclassified so shutdown never masquerades as an upstream failure, and
// unrecognized errors stay unclassified too, which callers surface as a
// terminal failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "resource_exhausted", "quota", "permission_denied", "api key", "api_key_invalid", "403"):
		return fmt.Errorf("%w: %w", ErrQuota, err)
	case containsAny(msg, "deadline_exceeded", "timed out", "timeout"):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case containsAny(msg, "400", "invalid_argument", "unsupported", "not supported"):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case containsAny(msg, "503", "unavailable", "overloaded", "502", "500", "internal", "connection reset", "connection refused", "broken pipe", "eof"):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		return err
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

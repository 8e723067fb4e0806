package embed

import (
	"context"
	"errors"
	"net"
)

// ErrProviderUnavailable is returned by a provider's Embed when the backend
// cannot be reached at all (spec.md §7 ProviderTransient).
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// IsRetryable classifies an embedding error as transient (spec.md §7
// ProviderTransient, worth retrying with backoff) or not (ProviderHardFailure,
// worth giving up on and falling back to "unembedded").
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

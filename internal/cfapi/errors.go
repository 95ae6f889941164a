package cfapi

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for outbound platform calls. Callers own retry policy;
// the client only classifies.
var (
	ErrNotFound    = errors.New("cfapi: not found")
	ErrUnreachable = errors.New("cfapi: platform unreachable")
	ErrMalformed   = errors.New("cfapi: malformed response")
)

// RateLimitedError reports a platform rate limit with the advised wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("cfapi: rate limited, retry after %s", e.RetryAfter)
}

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool {
	var rl *RateLimitedError
	return errors.Is(err, ErrUnreachable) || errors.As(err, &rl)
}

// IsPermanent reports whether retrying the same call cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}

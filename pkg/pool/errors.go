package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPoolInitialization is returned by Initialize when the primary endpoint cannot
	// produce a single connection.
	ErrPoolInitialization = errors.New("pool initialization failed")
	// ErrNoAvailableConnections means every candidate was unhealthy, busy past the
	// acquire timeout, or filtered out by region.
	ErrNoAvailableConnections = errors.New("no available connections")
	// ErrQueryExecutionFailed wraps the last transient error once retries are exhausted.
	ErrQueryExecutionFailed = errors.New("query execution failed")
	// ErrValidation marks an integrity or validation failure. It is never retried.
	ErrValidation = errors.New("validation or integrity error")
	// ErrTransactionFailed is returned when a transaction was rolled back.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrHealthCheckFailed is recorded against a connection when a probe fails.
	ErrHealthCheckFailed = errors.New("health check failed")
	ErrQueryTimeout      = errors.New("query timed out")
	ErrPoolClosed        = errors.New("pool is closed")
	ErrNotInitialized    = errors.New("pool is not initialized")
	ErrUnknownStrategy   = errors.New("unknown load balancing strategy")
	ErrInvalidConfig     = errors.New("invalid pool configuration")
)

// Permanent marks err as a validation or integrity failure so the executor stops
// retrying. Store adapters call it for constraint violations and malformed statements.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrPoolClosed) &&
		!errors.Is(err, ErrNotInitialized)
}

// OpError is the error surfaced to callers of ExecuteQuery, ExecuteTransaction and
// Acquire. It unwraps to both Kind and Err.
type OpError struct {
	Op       string
	Kind     error
	Endpoint string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v (", e.Op, e.Kind)
	if e.Endpoint != "" {
		fmt.Fprintf(&b, "endpoint=%s, ", e.Endpoint)
	}
	fmt.Fprintf(&b, "attempts=%d, elapsed=%s)", e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

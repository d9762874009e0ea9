package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionExpired = errors.New("session expired")
	ErrReinitFailed   = errors.New("client reinitialization failed")
	ErrQueryTimeout   = errors.New("query timeout")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("store closed")
)

// TimeoutError aborts a whole cycle: any single query running past its
// deadline poisons the batch so a partially-stale view is never exposed.
type TimeoutError struct {
	Queries []string
}

func (e *TimeoutError) Error() string {
	if len(e.Queries) == 0 {
		return "query timeout"
	}
	return fmt.Sprintf("queries timed out after deadline: %s", strings.Join(e.Queries, ", "))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrQueryTimeout
}

// QueryFailure is a soft, per-query failure: the affected kind degrades to
// an empty collection and the cycle continues.
type QueryFailure struct {
	Query string
	Err   error
}

func (e *QueryFailure) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Query, e.Err)
}

func (e *QueryFailure) Unwrap() error {
	return e.Err
}

type timeouter interface {
	Timeout() bool
}

// isTransportTimeout reports whether the cause chain carries a deadline or a
// transport-level timeout signature.
func isTransportTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return false
}

package correlation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateID = errors.New("message id already pending")
	ErrCancelled   = errors.New("request cancelled")
)

// TimeoutError reports a request that got no reply before its deadline.
// Callers may retry.
type TimeoutError struct {
	MessageID int
	Method    string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("no reply to message %d after %s", e.MessageID, e.After)
	}
	return fmt.Sprintf("no reply to %s (message %d) after %s", e.Method, e.MessageID, e.After)
}

// Timeout lets callers test with net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

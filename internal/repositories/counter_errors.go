package repositories

import "fmt"

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the configured max value would be exceeded.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError reports counter failures independently of the backing store.
type CounterError struct {
	Counter string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Counter != "" {
		return fmt.Sprintf("counter %s: %s", e.Counter, e.Message)
	}
	return e.Message
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError constructs a typed counter error.
func NewCounterError(counter string, code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Counter: counter, Code: code, Message: message, Err: err}
}

// CounterIncrement resolves the step to apply: an explicit positive step wins,
// then the stored step, then 1.
func CounterIncrement(requested, stored int64) int64 {
	switch {
	case requested > 0:
		return requested
	case stored > 0:
		return stored
	default:
		return 1
	}
}

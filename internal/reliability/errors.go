package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRetryExhausted is matched by every RetryError.
var ErrRetryExhausted = errors.New("retry: maximum attempts exceeded")

// RetryError is returned when a retryable operation kept failing until the
// policy gave up. Cause is set when the context ended during a backoff wait.
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Cause       error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	msg := fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *RetryError) Unwrap() []error {
	errs := []error{ErrRetryExhausted, e.LastError}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ErrorMetrics counts the failures seen by a policy.
type ErrorMetrics struct {
	mu              sync.RWMutex
	totalErrors     int64
	retryableErrors int64
	fatalErrors     int64
	exhausted       int64
	lastErrorTime   time.Time
	errorsByType    map[string]int64
}

// ErrorMetricsSnapshot is a point-in-time copy of ErrorMetrics.
type ErrorMetricsSnapshot struct {
	TotalErrors     int64
	RetryableErrors int64
	FatalErrors     int64
	Exhausted       int64
	LastErrorTime   time.Time
	ErrorsByType    map[string]int64
}

// NewErrorMetrics creates a new error metrics tracker
func NewErrorMetrics() *ErrorMetrics {
	return &ErrorMetrics{errorsByType: make(map[string]int64)}
}

// RecordError records an error in metrics
func (m *ErrorMetrics) RecordError(err error, retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalErrors++
	m.lastErrorTime = time.Now()
	if retryable {
		m.retryableErrors++
	} else {
		m.fatalErrors++
	}
	m.errorsByType[fmt.Sprintf("%T", err)]++
}

func (m *ErrorMetrics) recordExhausted() {
	m.mu.Lock()
	m.exhausted++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *ErrorMetrics) Snapshot() ErrorMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make(map[string]int64, len(m.errorsByType))
	for k, v := range m.errorsByType {
		types[k] = v
	}
	return ErrorMetricsSnapshot{
		TotalErrors:     m.totalErrors,
		RetryableErrors: m.retryableErrors,
		FatalErrors:     m.fatalErrors,
		Exhausted:       m.exhausted,
		LastErrorTime:   m.lastErrorTime,
		ErrorsByType:    types,
	}
}

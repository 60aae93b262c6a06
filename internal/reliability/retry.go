package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glimte/mmate-rabbit/config"
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// RetryPolicy retries an operation with exponential backoff while its
// failures are classified as retryable. The zero delay sequence is
// InitialInterval, InitialInterval*Multiplier, ... capped at MaxInterval,
// without jitter.
type RetryPolicy struct {
	maxAttempts     int
	initialInterval time.Duration
	multiplier      float64
	maxInterval     time.Duration
	retryable       Classifier
	logger          *slog.Logger
	metrics         *ErrorMetrics
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithClassifier sets the function deciding which errors are retried.
// By default every error is retried.
func WithClassifier(c Classifier) RetryOption {
	return func(p *RetryPolicy) {
		if c != nil {
			p.retryable = c
		}
	}
}

// WithRetryLogger sets the logger used for retry attempts.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewRetryPolicy builds a policy from the template retry settings.
// A disabled policy runs the operation exactly once.
func NewRetryPolicy(cfg config.RetryConfig, opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:     1,
		initialInterval: cfg.InitialInterval,
		multiplier:      cfg.Multiplier,
		maxInterval:     cfg.MaxInterval,
		retryable:       func(error) bool { return true },
		logger:          slog.Default(),
		metrics:         NewErrorMetrics(),
	}
	if cfg.Enabled && cfg.MaxAttempts > 1 {
		p.maxAttempts = cfg.MaxAttempts
	}
	if p.multiplier < 1 {
		p.multiplier = 1
	}
	if p.maxInterval < p.initialInterval {
		p.maxInterval = p.initialInterval
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the total number of attempts, including the first.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Metrics returns the failure counters collected by Do.
func (p *RetryPolicy) Metrics() *ErrorMetrics {
	return p.metrics
}

// NextDelay returns the wait before retry number attempt (zero based).
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	b := p.backOff()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.Multiplier = p.multiplier
	b.MaxInterval = p.maxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Non-retryable errors are returned unchanged; a
// disabled policy also returns the single failure unchanged. Otherwise the
// final failure is reported as a *RetryError.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	if p.maxAttempts <= 1 {
		err := fn(ctx, 1)
		if err != nil {
			p.metrics.RecordError(err, p.retryable(err))
		}
		return err
	}

	var (
		attempts int
		lastErr  error
		fatal    bool
		start    = time.Now()
	)
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retryable(err) {
			fatal = true
			p.metrics.RecordError(err, false)
			return backoff.Permanent(err)
		}
		p.metrics.RecordError(err, true)
		return err
	}, b, func(err error, wait time.Duration) {
		p.logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempts,
			"maxAttempts", p.maxAttempts,
			"backoff", wait,
			"error", err)
	})
	if err == nil {
		return nil
	}
	if fatal {
		return lastErr
	}

	p.metrics.recordExhausted()
	retryErr := &RetryError{
		Op:          op,
		Attempts:    attempts,
		MaxAttempts: p.maxAttempts,
		LastError:   lastErr,
		Duration:    time.Since(start),
	}
	if lastErr == nil {
		retryErr.LastError = err
	} else if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		retryErr.Cause = ctxErr
	}
	p.logger.Error("retries exhausted",
		"op", op,
		"attempts", attempts,
		"duration", retryErr.Duration,
		"error", retryErr.LastError)
	return retryErr
}

// Package reliability provides the retry policy used around publishing.
//
// A RetryPolicy is built from config.RetryConfig and runs an operation with
// exponential backoff (no jitter). A Classifier decides which failures are
// worth another attempt; anything else is returned immediately.
//
//	policy := reliability.NewRetryPolicy(cfg.Retry,
//	    reliability.WithClassifier(rabbitmq.IsTransient))
//
//	err := policy.Do(ctx, "send", func(ctx context.Context, attempt int) error {
//	    _, err := publisher.Publish(ctx, msg)
//	    return err
//	})
package reliability

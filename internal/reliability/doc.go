// Package reliability provides retry policies for calls to host services.
//
// A policy decides whether a failed attempt is retried and how long to wait
// first. Errors opt out of retries by implementing IsRetryable() bool:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3)
//	err := Retry(ctx, policy, func() error {
//	    return invoke()
//	})
package reliability

// Package reliability provides the retry policy used when re-establishing
// broker connections and a circuit breaker for delivery handlers.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2.0, 0)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return dial(ctx)
//	})
package reliability

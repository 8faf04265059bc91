// Package interceptors wraps delivery handlers with cross-cutting behavior.
//
// An interceptor sees every acknowledged message before the handler does
// and decides whether, and with which context, to call the next handler in
// the chain. Interceptors run in the order they were added:
//
//	handler := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second)).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Then(actor.LogHandler(logger))
//
// Built-in interceptors:
//   - LoggingInterceptor: logs the outcome and duration of each message
//   - TimeoutInterceptor: bounds how long a handler may run
//   - RecoveryInterceptor: turns a handler panic into an error
//   - CircuitBreakerInterceptor: skips a handler that keeps failing
//   - FilteringInterceptor: drops messages a MessageFilter rejects
package interceptors

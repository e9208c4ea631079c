// Package resilience provides the categorized retry engine and per-category
// circuit breakers that protect every unit of work Keel executes.
//
// # Circuit Breaker Pattern
//
// Each work category gets its own breaker, created lazily. Five consecutive
// failures (configurable) open it; calls are then rejected without being
// attempted until the recovery timeout elapses, after which a limited
// number of probes decide whether to close it again.
//
//	b := resilience.NewBreaker(resilience.BreakerConfig{
//		Name:             "provider",
//		FailureThreshold: 5,
//		RecoveryTimeout:  time.Minute,
//		HalfOpenAttempts: 1,
//	})
//
// # Retry with Exponential Backoff
//
// The engine retries transient failures with exponential backoff and ±25%
// jitter, gated on the category breaker before every attempt:
//
//	engine := resilience.NewEngine(cfg.Retry, m)
//	err := engine.Execute(ctx, task.CategoryNetwork, func(ctx context.Context) error {
//		return fetch(ctx, url)
//	})
//
// # Adaptive Policies
//
// Retry policies are not static. A category whose recent success rate
// drops below 50% earns more retries and a longer maximum delay; one
// succeeding more than 95% of the time gives headroom back. Neither
// policies nor breaker state survive a restart; that is a documented
// property of the engine, not an oversight.
package resilience

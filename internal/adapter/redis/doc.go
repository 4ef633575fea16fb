// Package redis connects the broadcaster to producers running in other processes.
//
// Producers publish event envelopes on a pub/sub channel and EventSubscriber feeds
// them to the dispatcher. Every instance subscribes independently; redis is not used
// to share registry state between instances.
//
// The client carries two hooks: MetricsHook records command latency and dial failures,
// CircuitBreakerHook fails fast once redis has been failing for a while.
package redis

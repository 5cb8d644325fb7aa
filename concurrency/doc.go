// Package concurrency holds the shared resilience primitives used by every
// agent: the resource tracker that guarantees child processes and streams are
// released, the authentication circuit breaker, the retry policy, and the
// error taxonomy that both the output parser and the execution loop classify
// against.
package concurrency

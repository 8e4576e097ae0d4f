// Package mocks provides in-memory fakes for the llm/batch.RateLimiter and
// llm/batch.Cache contracts, for tests that exercise scheduler or HTTP
// handler wiring without a real execution engine or Redis instance.
package mocks

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main provides the inferbatchd server entry point.

# Overview

cmd/inferbatchd is the executable that wires the llm/batch dynamic batcher
up to an HTTP surface: one DynamicBatchScheduler per configured model, a
Redis-backed response cache, a token-bucket rate limiter fronting a demo
goroutine-pool execution engine, Prometheus metrics and OpenTelemetry
tracing. It supports YAML config loading, structured logging (zap), and
graceful shutdown of every in-flight scheduler.

# Core types

  - Server     — owns the HTTP/metrics listeners and the per-model scheduler registry
  - Middleware — HTTP middleware signature func(http.Handler) http.Handler

# Capabilities

  - Subcommands: serve (start the server), version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders, RequestLogger,
    OTelTracing, MetricsMiddleware, CORS, RateLimiter (per-IP)
  - Metrics server: separate port exposing /metrics (Prometheus)
  - Graceful shutdown: signal -> stop HTTP -> stop metrics -> shut down every
    scheduler (draining queued requests with UNAVAILABLE) -> flush telemetry
  - Build injection: Version, BuildTime, GitCommit via ldflags
*/
package main

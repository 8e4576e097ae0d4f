// Package api documents the inferbatchd HTTP API.
//
// This package holds only this overview; the request handlers live in
// api/handlers and the routes are registered in cmd/inferbatchd.
//
// # API Overview
//
// inferbatchd provides a RESTful API for:
//   - Enqueuing inference requests into a per-model dynamic batch scheduler
//   - Streaming live queue-depth snapshots over a websocket connection
//   - Prometheus metrics exposition
//   - Health and readiness monitoring
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api

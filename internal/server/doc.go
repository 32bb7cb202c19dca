// Package server hosts the Driftcast gateway API and ingest proxy from a
// single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, rate limiting, metrics, and logging so handlers all share
// common protections and instrumentation.
//
// It serves the admission API routes, the journal and health endpoints, and
// mounts the WHIP ingest proxy under /streams/, keeping everything behind one
// multiplexer.
package server

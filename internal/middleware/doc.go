// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package middleware provides HTTP middleware for the compile API.
//
// All middleware uses the http.HandlerFunc signature; the api package adapts
// it to chi's func(http.Handler) http.Handler.
//
//   - CorrelationID: reads or generates X-Request-ID and stores it as the
//     logging correlation id
//   - PrometheusMetrics: request counts, durations and in-flight gauge,
//     labelled by chi route pattern
//   - Compression: gzip for clients that accept it
package middleware

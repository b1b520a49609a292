// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package api is the HTTP surface of the compile server, built on chi.
//
// # Routes
//
// Every project route also exists under /project/{project_id}/user/{user_id}
// for per-user compiles:
//
//	POST   /project/{project_id}/compile                              run a compile
//	POST   /project/{project_id}/compile/stop                         kill a running compile
//	DELETE /project/{project_id}                                      clear staging, outputs and caches
//	GET    /project/{project_id}/build/{build_id}/output/*            one output file
//	GET    /project/{project_id}/build/{build_id}/output.zip          zip of a generation
//	GET    /project/{project_id}/content/{content_id}/{hash}          cached PDF stream
//	GET    /health
//	GET    /metrics
//
// # Compile Responses
//
// Compile outcomes, including failure and timedout, are 200 with a
// {"compile": {...}} body. Transport-level conditions map to status codes:
//
//	409  retry                 resources out of sync with the staging dir
//	423  compile-in-progress   another compile holds the project lock
//	400  invalid parameters
//	500  error
//
// # Middleware
//
// RealIP, Recoverer, correlation id, CORS and Prometheus metrics run for all
// routes. Project routes are rate limited with httprate.
package api

// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

/*
Command server runs the Texforge compile server.

It accepts LaTeX projects over HTTP, compiles them with latexmk inside a
sandbox and serves the resulting PDF, logs and PDF content ranges.

# Startup

 1. Configuration: koanf v2 with defaults, an optional config.yaml and
    environment variables, validated before anything else starts
 2. Logging: zerolog, JSON or console
 3. Directories: compiles, output, archive, clsi-cache and url cache dirs
    are created if missing
 4. URL cache: badger index opened under the url cache dir
 5. Runner: Docker sandbox or local process, per runner.type
 6. Output cache: existing generations are scanned for bulk cleanup
 7. Compile manager and staging expirer
 8. HTTP router: chi with CORS, rate limiting, request ids and metrics
 9. Supervisor tree: suture v4 with the janitors and the HTTP server

# Configuration

Config file lookup order is $CONFIG_PATH, ./config.yaml, ./config.yml,
/etc/texforge/config.yaml. Commonly set environment variables:

	HTTP_PORT              listen port (default 3013)
	RUNNER_TYPE            docker or local
	TEX_LIVE_IMAGE         default TeX Live image
	ALLOWED_IMAGES         comma-separated image allow-list
	COMPILE_MAX_TIMEOUT    upper bound for a compile (e.g. 10m)
	COMPILES_DIR           project staging root
	OUTPUT_DIR             output generation root
	LOG_LEVEL, LOG_FORMAT  logging

# Signal Handling

SIGINT and SIGTERM cancel the supervisor tree. The HTTP server stops
accepting connections and waits for in-flight compiles; janitors stop after
their current sweep. Services that outlive the shutdown timeout are logged.
*/
package main

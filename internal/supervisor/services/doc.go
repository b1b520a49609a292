// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

/*
Package services provides the suture.Service implementations run by the
supervisor tree.

HTTPServerService adapts *http.Server's ListenAndServe/Shutdown pair to
suture's Serve(ctx) pattern and drains in-flight compiles on shutdown.

PeriodicService runs a job on a jittered ticker. The janitors are built on it:

  - container-monitor: removes sandbox containers past their max age
    (Docker runner only)
  - output-cleanup: expires old output generations in bulk
  - staging-expiry: removes idle project staging dirs, shrinking the
    expiry when the disk is low

Jobs log their failures and keep their schedule. Serve only returns when
the context is canceled, so suture never restarts a janitor for a single
failed sweep.
*/
package services

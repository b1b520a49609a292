// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

/*
Package supervisor runs the compile server's long-lived services under a
suture v4 tree.

	texforge
	├── janitors
	│   ├── container-monitor (docker runner only)
	│   ├── output-cleanup
	│   └── staging-expiry
	└── api
	    └── http-server

Crashed services are restarted with suture's backoff. Supervisor events are
logged through sutureslog onto the slog bridge from internal/logging, so they
share the zerolog output of the rest of the process.

Shutdown is driven by canceling the context passed to Serve. Each layer gives
its services ShutdownTimeout to return; UnstoppedServiceReport names the ones
that did not.

The service implementations live in the services subpackage.
*/
package supervisor

// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

// Package testinfra provides container fixtures for integration tests.
//
// Everything here is built with testcontainers-go and compiled only under the
// integration build tag:
//
//	go test -tags integration ./...
//
// # File server
//
// FileServerContainer serves a fixed set of files over HTTP, standing in for
// the filestore that URL resources are downloaded from:
//
//	srv, err := testinfra.NewFileServerContainer(ctx, map[string]string{
//	    "figure.eps": "%!PS-Adobe-3.0 EPSF-3.0",
//	})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer testinfra.CleanupContainer(t, ctx, srv)
//	url := srv.FileURL("figure.eps")
//
// # Sandbox images
//
// PullImage makes sure an image is present before the docker runner tries
// to create a container from it.
//
// Tests are skipped when no docker daemon is reachable.
package testinfra

// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultFileServerImage serves static files from /usr/share/nginx/html.
	DefaultFileServerImage = "nginx:1.27-alpine"

	fileServerPort = "80/tcp"
	fileServerRoot = "/usr/share/nginx/html/"
)

// FileServerContainer is a running static HTTP server.
type FileServerContainer struct {
	testcontainers.Container
	URL string
}

// NewFileServerContainer starts a server whose document root holds files,
// keyed by slash-separated path.
func NewFileServerContainer(ctx context.Context, files map[string]string) (*FileServerContainer, error) {
	containerFiles := make([]testcontainers.ContainerFile, 0, len(files)+1)
	containerFiles = append(containerFiles, testcontainers.ContainerFile{
		Reader:            strings.NewReader("ok"),
		ContainerFilePath: fileServerRoot + "index.html",
		FileMode:          0o644,
	})
	for path, content := range files {
		containerFiles = append(containerFiles, testcontainers.ContainerFile{
			Reader:            strings.NewReader(content),
			ContainerFilePath: fileServerRoot + strings.TrimPrefix(path, "/"),
			FileMode:          0o644,
		})
	}

	req := testcontainers.ContainerRequest{
		Image:        DefaultFileServerImage,
		ExposedPorts: []string{fileServerPort},
		Files:        containerFiles,
		WaitingFor: wait.ForHTTP("/").
			WithPort(fileServerPort).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create file server container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, fileServerPort)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get mapped port: %w", err)
	}

	return &FileServerContainer{
		Container: container,
		URL:       fmt.Sprintf("http://%s:%s", host, port.Port()),
	}, nil
}

// FileURL returns the download URL for a file passed at construction.
func (c *FileServerContainer) FileURL(path string) string {
	return c.URL + "/" + strings.TrimPrefix(path, "/")
}

// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCompile(); err != nil {
		return err
	}
	if err := c.validateRunner(); err != nil {
		return err
	}
	if err := c.validateCaches(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Compile.MaxTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%s) must exceed COMPILE_MAX_TIMEOUT (%s)",
			c.Server.WriteTimeout, c.Compile.MaxTimeout)
	}
	return nil
}

func (c *Config) validatePaths() error {
	required := map[string]string{
		"COMPILES_DIR":   c.Paths.CompilesDir,
		"OUTPUT_DIR":     c.Paths.OutputDir,
		"URL_CACHE_DIR":  c.Paths.URLCacheDir,
		"CLSI_CACHE_DIR": c.Paths.ClsiCacheDir,
	}
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.Compile.ArchiveLogs && c.Paths.ArchiveDir == "" {
		return fmt.Errorf("ARCHIVE_DIR is required when ARCHIVE_LOGS=true")
	}
	return nil
}

func (c *Config) validateCompile() error {
	if c.Compile.MaxTimeout <= 0 {
		return fmt.Errorf("COMPILE_MAX_TIMEOUT must be positive")
	}
	if c.Compile.SyncParallelism < 1 {
		return fmt.Errorf("SYNC_PARALLELISM must be at least 1, got %d", c.Compile.SyncParallelism)
	}
	if c.Compile.LowDiskThreshold < 0 || c.Compile.LowDiskThreshold >= 1 {
		return fmt.Errorf("LOW_DISK_THRESHOLD must be in [0, 1), got %v", c.Compile.LowDiskThreshold)
	}
	if c.Compile.StagingExpiry <= 0 {
		return fmt.Errorf("STAGING_EXPIRY must be positive")
	}
	if len(c.Compile.AllowedImages) > 0 && c.Compile.DefaultImage != "" {
		for _, img := range c.Compile.AllowedImages {
			if img == c.Compile.DefaultImage {
				return nil
			}
		}
		return fmt.Errorf("TEX_LIVE_IMAGE %q is not in ALLOWED_IMAGES", c.Compile.DefaultImage)
	}
	return nil
}

func (c *Config) validateRunner() error {
	switch c.Runner.Type {
	case "docker", "local":
	default:
		return fmt.Errorf("RUNNER_TYPE must be 'docker' or 'local', got %q", c.Runner.Type)
	}
	if c.Runner.MaxOutputBytes < 1024 {
		return fmt.Errorf("MAX_OUTPUT_BYTES must be at least 1024, got %d", c.Runner.MaxOutputBytes)
	}
	if c.Lock.PollInterval <= 0 || c.Lock.MaxHold <= 0 {
		return fmt.Errorf("LOCK_POLL_INTERVAL and LOCK_MAX_HOLD must be positive")
	}
	return nil
}

func (c *Config) validateCaches() error {
	if c.OutputCache.Limit < 1 || c.OutputCache.PerUserLimit < 1 {
		return fmt.Errorf("output cache limits must be at least 1")
	}
	if c.OutputCache.MaxAge <= 0 {
		return fmt.Errorf("OUTPUT_CACHE_MAX_AGE must be positive")
	}
	if c.ContentCache.MaxAge < 1 {
		return fmt.Errorf("PDF_CACHING_MAX_AGE must be at least 1, got %d", c.ContentCache.MaxAge)
	}
	if c.ContentCache.Workers < 1 || c.ContentCache.QueueLimit < 0 {
		return fmt.Errorf("PDF_CACHING_WORKERS must be at least 1 and PDF_CACHING_QUEUE_LIMIT non-negative")
	}
	if c.URLCache.MaxRetries < 1 {
		return fmt.Errorf("URL_DOWNLOAD_MAX_RETRIES must be at least 1, got %d", c.URLCache.MaxRetries)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

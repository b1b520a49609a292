// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/texforge/config.yaml",
	"/etc/texforge/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3013,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      11 * time.Minute,
			RateLimitRequests: 600,
			RateLimitWindow:   time.Minute,
			MaxRequestBytes:   64 << 20,
		},
		Paths: PathsConfig{
			CompilesDir:  "/var/lib/texforge/compiles",
			OutputDir:    "/var/lib/texforge/output",
			ArchiveDir:   "/var/lib/texforge/archive",
			ClsiCacheDir: "/var/lib/texforge/clsi-cache",
			URLCacheDir:  "/var/lib/texforge/url-cache",
		},
		Compile: CompileConfig{
			MaxTimeout:          600 * time.Second,
			DefaultImage:        "texlive/texlive:2025",
			LatexmkPath:         "latexmk",
			TexliveOpenoutAny:   "p",
			SyncParallelism:     5,
			StagingExpiry:       60 * time.Hour, // 2.5 days
			ExpiryCheckInterval: time.Hour,
			LowDiskThreshold:    0.1,
		},
		Runner: RunnerConfig{
			Type:            "docker",
			DockerUser:      "tex",
			MemoryBytes:     1 << 30,
			MaxContainerAge: time.Hour,
			MonitorInterval: time.Hour,
			MonitorJitter:   5 * time.Minute,
			MaxOutputBytes:  1 << 20,
			NetworkDisabled: true,
		},
		Lock: LockConfig{
			PollInterval: time.Second,
			MaxWait:      10 * time.Second,
			MaxHold:      15 * time.Second,
		},
		OutputCache: OutputCacheConfig{
			Limit:           2,
			PerUserLimit:    1,
			MaxAge:          90 * time.Minute,
			CleanupInterval: time.Hour,
			CleanupJitter:   10 * time.Minute,
			QpdfPath:        "qpdf",
			OptimisePDF:     true,
		},
		ContentCache: ContentCacheConfig{
			MinChunkSize: 1024,
			MaxAge:       5,
			Workers:      4,
			QueueLimit:   64,
			Timeout:      10 * time.Second,
		},
		URLCache: URLCacheConfig{
			Timeout:            60 * time.Second,
			MaxRetries:         3,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"compile.allowed_images",
	"compile.allowed_compile_groups",
	"server.cors_allowed_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_read_timeout":   "server.read_timeout",
	"http_write_timeout":  "server.write_timeout",
	"rate_limit_requests": "server.rate_limit_requests",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",
	"cors_origins":        "server.cors_allowed_origins",
	"max_request_bytes":   "server.max_request_bytes",

	"compiles_dir":                "paths.compiles_dir",
	"output_dir":                  "paths.output_dir",
	"archive_dir":                 "paths.archive_dir",
	"clsi_cache_dir":              "paths.clsi_cache_dir",
	"url_cache_dir":               "paths.url_cache_dir",
	"sandboxed_compiles_host_dir": "paths.sandboxed_compiles_host_dir",

	"compile_max_timeout":    "compile.max_timeout",
	"tex_live_image":         "compile.default_image",
	"allowed_images":         "compile.allowed_images",
	"allowed_compile_groups": "compile.allowed_compile_groups",
	"latexmk_path":           "compile.latexmk_path",
	"compile_time_wrapper":   "compile.time_wrapper",
	"texlive_openout_any":    "compile.texlive_openout_any",
	"archive_logs":           "compile.archive_logs",
	"sync_parallelism":       "compile.sync_parallelism",
	"staging_expiry":         "compile.staging_expiry",
	"expiry_check_interval":  "compile.expiry_check_interval",
	"low_disk_threshold":     "compile.low_disk_threshold",

	"runner_type":         "runner.type",
	"docker_host":         "runner.docker_host",
	"docker_user":         "runner.docker_user",
	"docker_memory_bytes": "runner.memory_bytes",
	"seccomp_profile":     "runner.seccomp_profile",
	"apparmor_profile":    "runner.apparmor_profile",
	"max_container_age":   "runner.max_container_age",
	"monitor_interval":    "runner.monitor_interval",
	"monitor_jitter":      "runner.monitor_jitter",
	"max_output_bytes":    "runner.max_output_bytes",

	"lock_poll_interval": "lock.poll_interval",
	"lock_max_wait":      "lock.max_wait",
	"lock_max_hold":      "lock.max_hold",

	"output_cache_limit":          "output_cache.limit",
	"output_cache_per_user_limit": "output_cache.per_user_limit",
	"output_cache_max_age":        "output_cache.max_age",
	"output_cache_interval":       "output_cache.cleanup_interval",
	"output_cache_jitter":         "output_cache.cleanup_jitter",
	"qpdf_path":                   "output_cache.qpdf_path",
	"optimise_pdf":                "output_cache.optimise_pdf",

	"pdf_caching_enabled":        "content_cache.enabled_by_default",
	"pdf_caching_dark_mode":      "content_cache.dark_mode",
	"pdf_caching_min_chunk_size": "content_cache.min_chunk_size",
	"pdf_caching_max_age":        "content_cache.max_age",
	"pdf_caching_workers":        "content_cache.workers",
	"pdf_caching_queue_limit":    "content_cache.queue_limit",
	"pdf_caching_timeout":        "content_cache.timeout",

	"url_download_timeout":     "url_cache.timeout",
	"url_download_max_retries": "url_cache.max_retries",
	"url_breaker_max_failures": "url_cache.breaker_max_failures",
	"url_breaker_timeout":      "url_cache.breaker_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

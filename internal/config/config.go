// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package config

import "time"

// Config holds all application configuration.
//
// Loading order (Koanf v2):
//  1. Defaults from defaultConfig
//  2. Optional YAML file (CONFIG_PATH, config.yaml, /etc/texforge/config.yaml)
//  3. Environment variables listed in envMappings
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Paths        PathsConfig        `koanf:"paths"`
	Compile      CompileConfig      `koanf:"compile"`
	Runner       RunnerConfig       `koanf:"runner"`
	Lock         LockConfig         `koanf:"lock"`
	OutputCache  OutputCacheConfig  `koanf:"output_cache"`
	ContentCache ContentCacheConfig `koanf:"content_cache"`
	URLCache     URLCacheConfig     `koanf:"url_cache"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"` // must exceed compile.max_timeout
	RateLimitRequests  int           `koanf:"rate_limit_requests"`
	RateLimitWindow    time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled  bool          `koanf:"rate_limit_disabled"`
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
	MaxRequestBytes    int64         `koanf:"max_request_bytes"`
}

// PathsConfig holds on-disk locations. All directories are created on startup.
type PathsConfig struct {
	CompilesDir  string `koanf:"compiles_dir"`
	OutputDir    string `koanf:"output_dir"`
	ArchiveDir   string `koanf:"archive_dir"`
	ClsiCacheDir string `koanf:"clsi_cache_dir"`
	URLCacheDir  string `koanf:"url_cache_dir"`

	// SandboxedCompilesHostDir is the compiles dir as seen by the docker
	// daemon when this server itself runs in a container.
	SandboxedCompilesHostDir string `koanf:"sandboxed_compiles_host_dir"`
}

// CompileConfig holds per-compile policy.
type CompileConfig struct {
	MaxTimeout           time.Duration `koanf:"max_timeout"`
	DefaultImage         string        `koanf:"default_image"`
	AllowedImages        []string      `koanf:"allowed_images"`
	AllowedCompileGroups []string      `koanf:"allowed_compile_groups"`
	LatexmkPath          string        `koanf:"latexmk_path"`
	TimeWrapper          bool          `koanf:"time_wrapper"`
	TexliveOpenoutAny    string        `koanf:"texlive_openout_any"`
	ArchiveLogs          bool          `koanf:"archive_logs"`
	SyncParallelism      int           `koanf:"sync_parallelism"`
	StagingExpiry        time.Duration `koanf:"staging_expiry"`
	ExpiryCheckInterval  time.Duration `koanf:"expiry_check_interval"`
	LowDiskThreshold     float64       `koanf:"low_disk_threshold"`
}

// RunnerConfig selects and tunes the sandbox strategy.
type RunnerConfig struct {
	Type            string            `koanf:"type"` // docker or local
	DockerHost      string            `koanf:"docker_host"`
	DockerUser      string            `koanf:"docker_user"`
	MemoryBytes     int64             `koanf:"memory_bytes"`
	SeccompProfile  string            `koanf:"seccomp_profile"`
	AppArmorProfile string            `koanf:"apparmor_profile"`
	Env             map[string]string `koanf:"env"`
	MaxContainerAge time.Duration     `koanf:"max_container_age"`
	MonitorInterval time.Duration     `koanf:"monitor_interval"`
	MonitorJitter   time.Duration     `koanf:"monitor_jitter"`
	MaxOutputBytes  int               `koanf:"max_output_bytes"`
	NetworkDisabled bool              `koanf:"network_disabled"`
}

// LockConfig governs container start/destroy locks.
type LockConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxWait      time.Duration `koanf:"max_wait"`
	MaxHold      time.Duration `koanf:"max_hold"`
}

// OutputCacheConfig holds generation retention settings.
type OutputCacheConfig struct {
	Limit           int           `koanf:"limit"`
	PerUserLimit    int           `koanf:"per_user_limit"`
	MaxAge          time.Duration `koanf:"max_age"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	CleanupJitter   time.Duration `koanf:"cleanup_jitter"`
	QpdfPath        string        `koanf:"qpdf_path"`
	OptimisePDF     bool          `koanf:"optimise_pdf"`
}

// ContentCacheConfig holds PDF byte-range caching settings.
type ContentCacheConfig struct {
	EnabledByDefault bool          `koanf:"enabled_by_default"`
	DarkMode         bool          `koanf:"dark_mode"`
	MinChunkSize     int64         `koanf:"min_chunk_size"`
	MaxAge           int           `koanf:"max_age"`
	Workers          int           `koanf:"workers"`
	QueueLimit       int           `koanf:"queue_limit"`
	Timeout          time.Duration `koanf:"timeout"`
}

// URLCacheConfig holds remote resource download settings.
type URLCacheConfig struct {
	Timeout            time.Duration `koanf:"timeout"`
	MaxRetries         int           `koanf:"max_retries"`
	BreakerMaxFailures int           `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
